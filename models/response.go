package models

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func SuccessResponse(data interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
	}
}

func ErrorResponse(err string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   err,
	}
}

// CodedErrorResponse carries a machine-readable code so clients can tell a
// port conflict or an indeterminate radio apart from a plain failure.
func CodedErrorResponse(code, err string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   err,
		Code:    code,
	}
}

// PartialResponse is used when the operation ran but some of its work failed.
func PartialResponse(data interface{}, err string) APIResponse {
	return APIResponse{
		Success: false,
		Data:    data,
		Error:   err,
	}
}

func MessageResponse(message string) APIResponse {
	return APIResponse{
		Success: true,
		Message: message,
	}
}
