// Package protocol defines the JSON shapes exchanged with clients.
package protocol

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// User is the public view of an authenticated identity.
type User struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

// Entry is one item of a directory listing. Size is null for directories
// and for links whose target cannot be inspected.
type Entry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"isDir"`
	Size    *int64    `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// TreeResponse is returned by GET /api/tree.
type TreeResponse struct {
	Cwd    string  `json:"cwd"`
	Parent *string `json:"parent"`
	Items  []Entry `json:"items"`
	User   User    `json:"user"`
}

// MoveRequest is the body of POST /api/move.
type MoveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// OKResponse acknowledges a mutating request.
type OKResponse struct {
	OK bool `json:"ok"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse.
func WriteError(w http.ResponseWriter, code int, message string) error {
	return WriteJSON(w, code, ErrorResponse{Error: message, Code: code})
}
