package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest      = "INVALID_REQUEST"
	ErrorCodeUnauthorized        = "UNAUTHORIZED"
	ErrorCodeForbidden           = "FORBIDDEN"
	ErrorCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrorCodeSelfMatch           = "SELF_MATCH"
	ErrorCodeNoLiquidity         = "NO_LIQUIDITY"
	ErrorCodeOrderNotFound       = "ORDER_NOT_FOUND"
	ErrorCodeTradeNotFound       = "TRADE_NOT_FOUND"
	ErrorCodeOfferNotFound       = "OFFER_NOT_FOUND"
	ErrorCodeWalletNotFound      = "WALLET_NOT_FOUND"
	ErrorCodeAlreadyFinal        = "ALREADY_FINAL"
	ErrorCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrorCodeInProgress          = "OPERATION_IN_PROGRESS"
	ErrorCodeInvalidTradeFees    = "INVALID_TRADE_FEES"
	ErrorCodeMarketConfig        = "MARKET_CONFIG_ERROR"
	ErrorCodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	ErrorCodeInternalError       = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != HTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d: %s", HTTPStatusForErrorCode(expectedCode), resp.Code, resp.Body.String())
	}

	errResp := decodeError(t, resp)
	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertErrorMessage(t *testing.T, resp *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	if got := decodeError(t, resp).Message; got != expectedMessage {
		t.Fatalf("expected error message %q, got %q", expectedMessage, got)
	}
}

// AssertErrorDetail checks one entry of the error details map.
func AssertErrorDetail(t *testing.T, resp *httptest.ResponseRecorder, key, expected string) {
	t.Helper()
	details := decodeError(t, resp).Details
	if details[key] != expected {
		t.Fatalf("expected detail %s=%q, got %v", key, expected, details)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return errResp
}

// HTTPStatusForErrorCode is the status every service uses for a code.
func HTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeInsufficientBalance, ErrorCodeAlreadyFinal, ErrorCodeInvalidTransition:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeOrderNotFound, ErrorCodeTradeNotFound, ErrorCodeOfferNotFound, ErrorCodeWalletNotFound:
		return http.StatusNotFound
	case ErrorCodeSelfMatch, ErrorCodeInProgress, ErrorCodeInvalidTradeFees:
		return http.StatusConflict
	case ErrorCodeNoLiquidity:
		return http.StatusUnprocessableEntity
	case ErrorCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
