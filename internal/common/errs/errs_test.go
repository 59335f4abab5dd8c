package errs

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorStringIncludesKindPathAndCause(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := FileCorrupt("flows/run-1/run.json", cause)

	assert.Equal(t, "file_corrupt: cannot parse file (flows/run-1/run.json): unexpected end of JSON input", err.Error())
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestKindOfUnwrapsThroughFmtWrapping(t *testing.T) {
	err := fmt.Errorf("load run: %w", NotFound("run %s", "run-404"))

	assert.True(t, IsKind(err, KindNotFound))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.False(t, IsKind(err, KindPreconditionFailed))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(fs.ErrPermission))
	assert.False(t, IsKind(fs.ErrPermission, KindInternal), "bare errors carry no kind")
}

func TestConstructorsSetTheirKinds(t *testing.T) {
	cases := []struct {
		err  *Error
		kind Kind
	}{
		{PreconditionFailed("run %s is active", "run-1"), KindPreconditionFailed},
		{NotFound("ticket"), KindNotFound},
		{AdapterFailed("telegram send", errors.New("429")), KindAdapterFailed},
		{DestinationUnavailable("docker preflight", errors.New("dial failed")), KindDestinationUnavailable},
		{AgentProtocol("bad frame", errors.New("not json")), KindAgentProtocolError},
		{Cancelled("stop requested"), KindCancelled},
		{Internal("invariant", nil), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, tc.err.Kind, tc.err.Error())
	}
}

func TestWithPathOnMessageOnlyError(t *testing.T) {
	err := New(KindFileCorrupt, "truncated frontmatter").WithPath("tickets/TICKET-003.md")
	assert.Equal(t, "file_corrupt: truncated frontmatter (tickets/TICKET-003.md)", err.Error())
}
