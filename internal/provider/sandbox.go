package provider

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// runSandbox executes the provider's obfuscated script in an isolated VM and
// returns the bearer value the script would have sent over the network. The
// injected fetch stub records the Authorization header (or a token field in
// the request options) and never performs I/O; the VM is interrupted once
// the wall-clock budget is spent.
func runSandbox(script string, timeout time.Duration) (string, error) {
	vm := goja.New()

	var captured string
	fetchStub := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) >= 2 {
			if opts, ok := call.Argument(1).Export().(map[string]any); ok {
				if hdrs, ok := opts["headers"].(map[string]any); ok {
					for k, v := range hdrs {
						if s, ok := v.(string); ok && strings.EqualFold(k, "authorization") {
							captured = s
						}
					}
				}
				if tok, ok := opts["token"].(string); ok && captured == "" {
					captured = tok
				}
			}
		}
		// The script may chain .then(...) on the return value; give it an
		// inert thenable so execution keeps going until the interrupt.
		obj := vm.NewObject()
		_ = obj.Set("then", func(goja.FunctionCall) goja.Value { return obj })
		_ = obj.Set("catch", func(goja.FunctionCall) goja.Value { return obj })
		return obj
	}
	if err := vm.Set("fetch", fetchStub); err != nil {
		return "", &ScriptError{Op: "sandbox setup", Err: err}
	}
	// Obfuscated payloads lean on base64 helpers; provide the browser ones.
	_ = vm.Set("atob", func(s string) (string, error) {
		b, err := base64.StdEncoding.DecodeString(s)
		return string(b), err
	})
	_ = vm.Set("btoa", func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	})

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("sandbox timeout")
	})
	defer timer.Stop()

	if _, err := vm.RunString(script); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return "", &ScriptError{Op: "sandbox execution", Err: fmt.Errorf("wall-clock timeout after %s", timeout)}
		}
		return "", &ScriptError{Op: "sandbox execution", Err: err}
	}

	if captured == "" {
		return "", &ScriptError{Op: "sandbox execution", Err: errors.New("script completed without sending a bearer value")}
	}
	return captured, nil
}
