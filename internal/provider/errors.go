package provider

import (
	"errors"
	"fmt"
)

var (
	// errPageTokenExpired maps the provider's "video fetch failed" phrase;
	// only the page-scoped token is stale.
	errPageTokenExpired = errors.New("page_token_expired")

	// errCredentialsExpired maps the provider's "download link failed"
	// phrase; the whole credential set is stale.
	errCredentialsExpired = errors.New("credentials_expired")
)

// ScriptError marks structural failures of the provider's obfuscation layer:
// the deobfuscation entry point is missing, the sandboxed script misbehaved,
// or the response carried no decodable video source. No retry can fix a
// code/format mismatch, so callers log these once and leave the request
// pending instead of bouncing it back to the user.
type ScriptError struct {
	Op  string // which step of the resolution sequence failed
	Err error
}

func (e *ScriptError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider script failure during %s", e.Op)
	}
	return fmt.Sprintf("provider script failure during %s: %v", e.Op, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// IsScriptError reports whether err is (or wraps) a ScriptError.
func IsScriptError(err error) bool {
	var se *ScriptError
	return errors.As(err, &se)
}
