package core

// ToolCallRequest is a normalized tool invocation request, independent of any
// provider wire format. Arguments is a serialized JSON object.
type ToolCallRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolCallResult is the normalized outcome of a tool invocation. A failed
// invocation is still a result: it is fed back into the tool loop like any
// other, it never aborts the loop by itself.
type ToolCallResult struct {
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OkResult wraps a successful payload.
func OkResult(payload any) ToolCallResult {
	return ToolCallResult{Success: true, Payload: payload}
}

// ErrResult wraps a tool invocation error.
func ErrResult(err error) ToolCallResult {
	return ToolCallResult{Success: false, Error: err.Error()}
}
