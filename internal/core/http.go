package core

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes the error envelope for err. Only the user-safe message
// is sent; anything that is not an *Error becomes a generic internal error.
func WriteError(w http.ResponseWriter, err error) {
	be := AsError(err)
	WriteJSON(w, be.Status(), map[string]interface{}{
		"success": false,
		"error":   be.Message,
		"code":    be.Code(),
	})
}
