package api

import (
	"encoding/json"
	"fmt"
)

// ConstrainRequest asks for the tokens allowed after Tokens under every
// given constraint. Constraints that fail to compile are skipped and named
// in the response.
type ConstrainRequest struct {
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
	Regex      string          `json:"regex,omitempty"`
	Grammar    string          `json:"grammar,omitempty"`

	// Prefix is text already present before the generated tokens.
	Prefix string  `json:"prefix,omitempty"`
	Tokens []int32 `json:"tokens"`
}

type ConstrainResponse struct {
	RequestID string `json:"request_id"`

	// When All is set, every token except Disallowed is permitted.
	// Otherwise only Allowed is.
	Allowed    []int32 `json:"allowed,omitempty"`
	Disallowed []int32 `json:"disallowed,omitempty"`
	All        bool    `json:"all"`

	EOSAllowed bool     `json:"eos_allowed"`
	Exhausted  bool     `json:"exhausted"`
	Skipped    []string `json:"skipped,omitempty"`
}

type VocabResponse struct {
	Size     int     `json:"size"`
	EOS      int32   `json:"eos"`
	Specials []int32 `json:"specials"`
}

// StatusError is an error with an HTTP status code and message,
// it is parsed on the client-side and not returned from the API
type StatusError struct {
	StatusCode   int    // e.g. 200
	Status       string // e.g. "200 OK"
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the enforcer server logs for details"
	}
}
