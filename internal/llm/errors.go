package llm

import (
	"context"
	stdErrors "errors"
	"net"

	xerrors "ChainForge/internal/errors"
)

// WrapTransportError 把传输层错误转换为统一错误码：超时归为 TIMEOUT，其余为 GENERATION_FAILED。
func WrapTransportError(err error, message string) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if stdErrors.Is(err, context.DeadlineExceeded) || (stdErrors.As(err, &netErr) && netErr.Timeout()) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	return xerrors.Wrap(xerrors.CodeGenerationFailed, err, message)
}
