package notify

import "errors"

var errInvalidPayload = errors.New("notification payload is not valid JSON")
