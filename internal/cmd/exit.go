package cmd

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/observability"
)

// ExitWithCode logs err with the foundry exit code metadata and exits.
// logger may be nil before the CLI logger exists; stderr is used then.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		os.Exit(int(exitCode))
	}

	if logger == nil {
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
		}
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
		os.Exit(info.Code)
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_category", info.Category),
	}
	if envelope, ok := err.(*errors.ErrorEnvelope); ok {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("correlation_id", envelope.CorrelationID))
		if envelope.Context != nil {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
	}
	var domainErr *core.Error
	if stderrors.As(err, &domainErr) {
		fields = append(fields, zap.String("error_kind", string(domainErr.Kind)))
		if domainErr.RetryAfter > 0 {
			fields = append(fields, zap.Duration("retry_after", domainErr.RetryAfter))
		}
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logger.Error(msg, fields...)
	os.Exit(info.Code)
}

// Exit terminates the process for an error returned by Execute.
func Exit(err error) {
	if err == nil {
		return
	}
	ExitWithCode(observability.CLILogger, exitCodeFor(err), "Command failed", err)
}

// exitCodeFor maps client error kinds onto foundry exit codes.
func exitCodeFor(err error) foundry.ExitCode {
	switch core.KindOf(err) {
	case core.KindConfiguration, core.KindInvalidRequest:
		return foundry.ExitConfigInvalid
	case core.KindNetwork, core.KindTimeout, core.KindRateLimited,
		core.KindAuthentication, core.KindSessionExpired, core.KindMalformedResponse:
		return foundry.ExitExternalServiceUnavailable
	default:
		return foundry.ExitFailure
	}
}
