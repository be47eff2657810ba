package cmd

import (
	"errors"
	"fmt"
	"os"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/config"
	"github.com/marketbridge/marketbridge/internal/core"
	errwrap "github.com/marketbridge/marketbridge/internal/errors"
)

// ExitWithCode logs err with foundry exit code metadata and exits. logger
// may be nil for failures before logging is configured.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		os.Exit(int(exitCode))
	}

	if logger == nil {
		writeFatal(msg, err)
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
		os.Exit(info.Code)
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_category", info.Category),
	}
	var envelope *gferrors.ErrorEnvelope
	if errors.As(err, &envelope) {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("error_message", envelope.Message),
			zap.String("correlation_id", envelope.CorrelationID),
		)
		if envelope.Context != nil {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
		if original, ok := envelope.Original.(error); ok {
			err = original
		}
	}
	fields = append(fields, zap.Error(err))
	logger.Error(msg, fields...)

	os.Exit(info.Code)
}

// ExitWithCodeStderr writes to stderr without a logger.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	ExitWithCode(nil, exitCode, msg, err)
}

func writeFatal(msg string, err error) {
	var envelope *gferrors.ErrorEnvelope
	switch {
	case err == nil:
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
	case errors.As(err, &envelope):
		fmt.Fprintf(os.Stderr, "FATAL: %s [%s]: %v (correlation: %s)\n",
			msg, envelope.Code, envelope.Message, envelope.CorrelationID)
		if original, ok := envelope.Original.(error); ok {
			fmt.Fprintf(os.Stderr, "Underlying error: %v\n", original)
		}
	default:
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	}
}

// exitCodeFor picks the foundry exit code that best describes err.
func exitCodeFor(err error) foundry.ExitCode {
	var (
		envelope *gferrors.ErrorEnvelope
		gwErr    *core.GatewayError
	)
	switch {
	case err == nil:
		return foundry.ExitFailure
	case errors.Is(err, config.ErrInvalidConfig):
		return foundry.ExitConfigInvalid
	case errors.Is(err, os.ErrNotExist):
		return foundry.ExitFileNotFound
	case errors.Is(err, core.ErrCircuitOpen), errors.As(err, &gwErr):
		return foundry.ExitExternalServiceUnavailable
	case errors.As(err, &envelope):
		switch envelope.Code {
		case errwrap.CodeConfigInvalid, errwrap.CodeValidationFailed:
			return foundry.ExitConfigInvalid
		case errwrap.CodeExternalService, errwrap.CodeServiceUnavailable, errwrap.CodeRateLimited:
			return foundry.ExitExternalServiceUnavailable
		}
	}
	return foundry.ExitFailure
}

// ExitOnError exits with the code exitCodeFor derives from err.
func ExitOnError(msg string, err error) {
	ExitWithCodeStderr(exitCodeFor(err), msg, err)
}
