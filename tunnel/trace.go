package tunnel

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/golang/glog"
)

// HandleError runs `do` and recovers a panic into the handlers,
// which may be `func()` or `func(error)`.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Warningf("[trace]recovered = %s\n", ErrorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

// ErrorJson renders a recovered value and its stack as one json log line.
func ErrorJson(err any, stack []byte) string {
	frames := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if frame := strings.TrimSpace(line); frame != "" {
			frames = append(frames, frame)
		}
	}
	errorJson, _ := json.Marshal(map[string]any{
		"type":    fmt.Sprintf("%T", err),
		"message": fmt.Sprintf("%v", err),
		"stack":   frames,
	})
	return string(errorJson)
}
