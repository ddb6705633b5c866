package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"indigo/pkg/client"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
)

// Error numbers reported in the response envelope.
const (
	errInvalidValue     = 0x401
	errValueNotSet      = 0x402
	errNotConnected     = 0x407
	errInvalidOperation = 0x40B
	errDriver           = 0x500
)

var errMissingField = errors.New("missing field")

// Global transaction counter
var txCounter atomic.Int32

type baseResponse struct {
	ClientTransactionID int    `json:"ClientTransactionID"`
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// parseBodyParams reads the url-encoded body and leaves it readable again.
func parseBodyParams(r *http.Request) (url.Values, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return url.ParseQuery(string(bodyBytes))
}

func requestParams(r *http.Request) url.Values {
	if r.Method == http.MethodPut {
		params, _ := parseBodyParams(r)
		return params
	}
	return r.URL.Query()
}

// param looks up a parameter ignoring the case of its name.
func param(params url.Values, name string) (string, bool) {
	for key, value := range params {
		if strings.EqualFold(key, name) && len(value) > 0 {
			return value[0], true
		}
	}
	return "", false
}

// getClientTxID returns the ClientTransactionID parameter, 0 when absent.
func getClientTxID(params url.Values) (int, error) {
	value, ok := param(params, "ClientTransactionID")
	if !ok {
		return 0, nil
	}
	id, err := strconv.Atoi(value)
	if err != nil || id < 0 {
		return 0, errors.New("ClientTransactionID must be a non-negative integer")
	}
	return id, nil
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, response baseResponse) {
	txID, err := getClientTxID(requestParams(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	response.ClientTransactionID = txID
	response.ServerTransactionID = int(txCounter.Add(1))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func handleResponse(w http.ResponseWriter, r *http.Request, value any) {
	writeEnvelope(w, r, baseResponse{Value: value})
}

func handleError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeEnvelope(w, r, baseResponse{ErrorNumber: code, ErrorMessage: message})
}

// errorNumber maps client errors to envelope error numbers.
func errorNumber(err error) int {
	switch {
	case errors.Is(err, client.ErrNotRunning), errors.Is(err, client.ErrNoDriver):
		return errNotConnected
	case errors.Is(err, client.ErrNoHandlerRegistered), errors.Is(err, client.ErrInvalidState),
		errors.Is(err, client.ErrDeviceConnected):
		return errInvalidOperation
	default:
		return errDriver
	}
}

// paramErrorNumber is the error number for a bad request parameter.
func paramErrorNumber(err error) int {
	if errors.Is(err, errMissingField) {
		return errValueNotSet
	}
	return errInvalidValue
}

func parseRequest(r *http.Request, field string) (string, error) {
	params, err := parseBodyParams(r)
	if err != nil {
		return "", err
	}

	value, ok := param(params, field)
	if !ok {
		return "", fmt.Errorf("%w %s", errMissingField, field)
	}
	return value, nil
}

func parseFloatRequest(r *http.Request, field string) (float64, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(value, 64)
}

// optionalField returns a body parameter or an empty string.
func optionalField(r *http.Request, field string) string {
	value, _ := parseRequest(r, field)
	return value
}
