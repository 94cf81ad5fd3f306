package pipeline

import (
	"context"

	"reprapd/pkg/channel"
	"reprapd/pkg/config"
	"reprapd/pkg/gcode"
	"reprapd/pkg/interceptor"
)

// reconcile runs the ordered post-execution transforms on a resolved
// code and returns its final result. The order is fixed: completion
// hook, error prefixing, reply emulation, log forwarding, Executed
// notification.
func (p *Pipeline) reconcile(ctx context.Context, code *gcode.Code) (gcode.Result, error) {
	if code.Result != nil {
		p.runCompletionHook(ctx, code)
		p.prefixErrors(code)
		p.emulateReplies(code)
		p.forwardLogs(code)
	}
	p.notifyExecuted(ctx, code)
	return code.Result, nil
}

// runCompletionHook gives the type's internal handler its symmetric
// completion callback.
func (p *Pipeline) runCompletionHook(ctx context.Context, code *gcode.Code) {
	if code.Type == gcode.Comment {
		return
	}
	if handler := p.handlers[code.Type]; handler != nil {
		handler.OnExecuted(ctx, code)
	}
}

// prefixErrors tags error messages of macro-issued and file-channel
// codes with the code identifier, so a failure deep inside a job still
// names the line that caused it.
func (p *Pipeline) prefixErrors(code *gcode.Code) {
	if !code.Flag(gcode.IsFromMacro) && code.Channel != channel.File {
		return
	}
	for i := range code.Result {
		if code.Result[i].Kind == gcode.Error {
			code.Result[i].Text = code.ShortString() + ": " + code.Result[i].Text
		}
	}
}

// emulateReplies rewrites the result into the acknowledgement style
// Marlin-dialect clients expect. Macro-issued codes are exempt: their
// results feed back into the including job, not a console.
func (p *Pipeline) emulateReplies(code *gcode.Code) {
	if p.compat(code.Channel) != config.Marlin || code.Flag(gcode.IsFromMacro) {
		return
	}
	switch {
	case code.Type == gcode.MCode && code.Major == 105 && !code.Result.IsEmpty():
		code.Result[0].Text = "ok " + code.Result[0].Text
	case code.Result.IsEmpty():
		code.Result = append(code.Result, gcode.Message{Kind: gcode.Success, Text: "ok\n"})
	default:
		code.Result[len(code.Result)-1].Text += "\nok\n"
	}
}

// forwardLogs mirrors warnings and errors of internally processed codes
// to the host log. File-channel codes are skipped; their messages go to
// the job report instead.
func (p *Pipeline) forwardLogs(code *gcode.Code) {
	if !code.InternallyProcessed || code.Channel == channel.File {
		return
	}
	for _, m := range code.Result {
		entry := p.logger.WithField("channel", code.Channel.String())
		switch m.Kind {
		case gcode.Warning:
			entry.Warn("%s: %s", code.ShortString(), m.Text)
		case gcode.Error:
			entry.Error("%s: %s", code.ShortString(), m.Text)
		}
	}
}

// notifyExecuted delivers the unconditional Executed notification.
func (p *Pipeline) notifyExecuted(ctx context.Context, code *gcode.Code) {
	if p.icpt == nil {
		return
	}
	// Executed observers cannot resolve or fail the code; the service
	// swallows their errors.
	_, _ = p.icpt.Intercept(ctx, code, interceptor.Executed)
}
