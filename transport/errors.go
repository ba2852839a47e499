package transport

import (
	stderrors "errors"

	rpcerrors "github.com/vinayprograms/docrpc/errors"
)

// ErrorFrom converts any error into a wire error.
//
// A *Error passes through. A structured error keeps its code and data;
// internal ones expose only their own message, not their cause. Anything
// else becomes InternalError carrying just its message string.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}

	var wire *Error
	if stderrors.As(err, &wire) {
		return wire
	}

	if typed := rpcerrors.As(err); typed != nil {
		data := typed.Data()
		if data == nil {
			data = make(map[string]interface{}, 1)
		}
		data["error"] = string(typed.Code())

		message := typed.Error()
		if typed.Category() == rpcerrors.CategoryInternal {
			message = typed.Message()
		}
		return &Error{Code: typed.RPCCode(), Message: message, Data: data}
	}

	return &Error{Code: InternalError, Message: err.Error()}
}
