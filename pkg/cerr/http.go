package cerr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kazz187/taskbot/pkg/clog"
)

type httpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes response as a 200 JSON body.
func WriteJSON(ctx context.Context, rw http.ResponseWriter, status int, response any) {
	data, err := json.Marshal(response)
	if err != nil {
		WriteJSONError(ctx, rw, NewError(Internal, "server error", err))
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	if _, err := rw.Write(append(data, '\n')); err != nil {
		clog.AddError(ctx, err)
	}
}

// WriteJSONError converts err into a JSON error body. Errors that are not
// *Error are reported as unknown so their text never reaches the caller.
func WriteJSONError(ctx context.Context, rw http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		err = NewError(Canceled, "connection closed", err)
	}
	clog.AddError(ctx, err)
	var cErr *Error
	if !errors.As(err, &cErr) {
		cErr = NewError(Unknown, "unknown error", err)
	}
	if cErr.Stack != "" {
		clog.AddStack(ctx, cErr.Stack)
	}
	data, mErr := json.Marshal(httpError{Code: cErr.Code.String(), Message: cErr.Msg})
	if mErr != nil {
		data = []byte(`{"code":"internal","message":"server error"}`)
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(cErr.Code.HTTPCode())
	if _, err := rw.Write(append(data, '\n')); err != nil {
		clog.AddError(ctx, err)
	}
}
