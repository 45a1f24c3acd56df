package models

// APIResponse is the JSON envelope for every REST endpoint. Exactly one of
// Data, Error or Message is populated.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SuccessResponse wraps a payload.
func SuccessResponse(data interface{}) APIResponse {
	return APIResponse{Success: true, Data: data}
}

// ErrorResponse wraps a failure description.
func ErrorResponse(err string) APIResponse {
	return APIResponse{Success: false, Error: err}
}

// MessageResponse reports a successful operation that has no payload.
func MessageResponse(message string) APIResponse {
	return APIResponse{Success: true, Message: message}
}
