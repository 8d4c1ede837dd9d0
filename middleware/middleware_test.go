package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", true},
		{"  0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266 ", true},
		{"f39fd6e51aad88f6f4ce6ab8827279cfffb92266", false},
		{"0xf39fd6e51aad88f6f4ce6ab8827279cfffb9226", false},
		{"0xz39fd6e51aad88f6f4ce6ab8827279cfffb92266", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidEthAddress(tt.addr); got != tt.want {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestValidateAccountID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen int64
	r := gin.New()
	r.GET("/accounts/:id", ValidateAccountID(), func(c *gin.Context) {
		seen = c.GetInt64("accountID")
		c.Status(http.StatusOK)
	})

	tests := []struct {
		path     string
		wantCode int
		wantID   int64
	}{
		{"/accounts/7", http.StatusOK, 7},
		{"/accounts/-1", http.StatusBadRequest, 0},
		{"/accounts/x", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		seen = 0
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

		if w.Code != tt.wantCode {
			t.Errorf("%s: code = %d, want %d", tt.path, w.Code, tt.wantCode)
		}
		if seen != tt.wantID {
			t.Errorf("%s: accountID = %d, want %d", tt.path, seen, tt.wantID)
		}
	}
}

func TestBasicAuthDisabledWithoutCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/", BasicAuth("", ""), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("code = %d, want %d", w.Code, http.StatusNoContent)
	}
}
