package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chapterhub/internal/auth"
)

func tokens() auth.TokenService {
	return auth.TokenService{Secret: []byte("test-secret"), Issuer: "chapterhub-test", Duration: time.Hour}
}

func Test_TokenService_Round_Trips_Editor_ID(t *testing.T) {
	t.Parallel()

	ts := tokens()
	raw, exp, err := ts.Sign("alice", "Alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := ts.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.EditorID)
	assert.Equal(t, "Alice", claims.DisplayName)
	assert.Equal(t, "alice", claims.Subject)
}

func Test_TokenService_Rejects_Foreign_Or_Expired_Tokens(t *testing.T) {
	t.Parallel()

	other := auth.TokenService{Secret: []byte("other"), Issuer: "chapterhub-test", Duration: time.Hour}
	raw, _, err := other.Sign("alice", "")
	require.NoError(t, err)
	_, err = tokens().Parse(raw)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	wrongIssuer := auth.TokenService{Secret: []byte("test-secret"), Issuer: "someone-else", Duration: time.Hour}
	raw, _, err = wrongIssuer.Sign("alice", "")
	require.NoError(t, err)
	_, err = tokens().Parse(raw)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	expired := tokens()
	expired.Duration = -time.Minute
	raw, _, err = expired.Sign("alice", "")
	require.NoError(t, err)
	_, err = tokens().Parse(raw)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, _, err = tokens().Sign(" ", "")
	require.Error(t, err)
}

func newRouter(required bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Identity(tokens(), required))
	r.GET("/whoami", auth.RequireCaller(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"caller": auth.CallerID(c)})
	})
	return r
}

func Test_Identity_Resolves_Caller(t *testing.T) {
	t.Parallel()

	raw, _, err := tokens().Sign("alice", "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		required bool
		headers  map[string]string
		wantCode int
		wantBody string
	}{
		{name: "bearer token", required: true, headers: map[string]string{"Authorization": "Bearer " + raw}, wantCode: http.StatusOK, wantBody: `"alice"`},
		{name: "lowercase scheme", required: true, headers: map[string]string{"Authorization": "bearer " + raw}, wantCode: http.StatusOK, wantBody: `"alice"`},
		{name: "bad token", required: false, headers: map[string]string{"Authorization": "Bearer nope"}, wantCode: http.StatusUnauthorized},
		{name: "header when optional", required: false, headers: map[string]string{auth.EditorHeader: "bob"}, wantCode: http.StatusOK, wantBody: `"bob"`},
		{name: "header ignored when required", required: true, headers: map[string]string{auth.EditorHeader: "bob"}, wantCode: http.StatusUnauthorized},
		{name: "anonymous", required: false, wantCode: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			newRouter(tt.required).ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.Contains(t, w.Body.String(), tt.wantBody)
			}
		})
	}
}

func Test_ClaimsFrom_Only_Set_For_Bearer_Tokens(t *testing.T) {
	t.Parallel()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Identity(tokens(), false))
	r.GET("/claims", func(c *gin.Context) {
		claims, ok := auth.ClaimsFrom(c)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"claims": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"claims": true, "name": claims.DisplayName})
	})

	raw, _, err := tokens().Sign("alice", "Alice Liddell")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/claims", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.JSONEq(t, `{"claims":true,"name":"Alice Liddell"}`, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/claims", nil)
	req.Header.Set(auth.EditorHeader, "bob")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.JSONEq(t, `{"claims":false}`, w.Body.String())
}
