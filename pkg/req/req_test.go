package req

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/premium-gate/pkg/logger"
)

type askBody struct {
	Prompt string `json:"prompt" validate:"required,max=10"`
}

func TestHandleBody(t *testing.T) {
	log := logger.NewNop()

	t.Run("valid", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":"hi"}`))

		body, err := HandleBody[askBody](w, r, log)
		require.NoError(t, err)
		assert.Equal(t, "hi", body.Prompt)
	})

	t.Run("bad json", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))

		_, err := HandleBody[askBody](w, r, log)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("validation", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":""}`))

		_, err := HandleBody[askBody](w, r, log)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

		var got map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, map[string]any{"Prompt": "required"}, got["details"])
	})
}
