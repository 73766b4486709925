package codec

import (
	"bytes"
)

// Error codes a data node sends for commands that have no response, so they do not answer a
// pending request.
var _asyncErrors = [][]byte{
	[]byte("E_FIN_FAILED"),
	[]byte("E_REQ_FAILED"),
	[]byte("E_TOUCH_FAILED"),
}

// IsAsyncError reports whether the data of an error frame belongs to a command without response.
func IsAsyncError(data []byte) bool {
	for _, code := range _asyncErrors {
		if bytes.HasPrefix(data, code) {
			return true
		}
	}
	return false
}

// ErrorCode returns the code of the data of an error frame, e.g. "E_BAD_TOPIC".
func ErrorCode(data []byte) string {
	if i := bytes.IndexByte(data, ' '); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}
