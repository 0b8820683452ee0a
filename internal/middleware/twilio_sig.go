// Package middleware holds echo middleware shared by the webhook routes.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
)

// ParamsKey is the echo context key holding the verified form parameters.
const ParamsKey = "twilioParams"

// Signature computes the X-Twilio-Signature value for a request to fullURL with form params.
func Signature(authToken, fullURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func validSignature(authToken, signature, fullURL string, params map[string]string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Signature(authToken, fullURL, params)))
}

// TwilioAuth validates webhook requests using the signature header. publicURL is the
// externally visible scheme and host; when empty it is rebuilt as https://<Host>.
// The body is restored so handlers can still bind the form.
func TwilioAuth(authToken, publicURL string) echo.MiddlewareFunc {
	publicURL = strings.TrimRight(publicURL, "/")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}
			req := c.Request()
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			form, err := url.ParseQuery(string(body))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string, len(form))
			for key, values := range form {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			base := publicURL
			if base == "" {
				base = "https://" + req.Host
			}
			fullURL := base + req.URL.RequestURI()
			if !validSignature(authToken, req.Header.Get("X-Twilio-Signature"), fullURL, params) {
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}
			c.Set(ParamsKey, params)
			return next(c)
		}
	}
}
