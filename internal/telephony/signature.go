package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"callbridge/internal/metrics"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

const SignatureHeader = "X-Twilio-Signature"

// Signature computes the webhook signature: base64(HMAC-SHA1(token,
// url + key1 + value1 + key2 + value2 ...)) with keys sorted. Repeated
// keys contribute every value, values sorted.
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidSignature compares in constant time.
func ValidSignature(authToken, signature, fullURL string, params url.Values) bool {
	if signature == "" {
		return false
	}
	want := Signature(authToken, fullURL, params)
	return hmac.Equal([]byte(want), []byte(signature))
}

// RequireSignature rejects webhooks whose signature does not match.
//
// The signed URL is publicBaseURL + request URI; behind a proxy the Host
// header is not what the provider signed. With publicBaseURL empty the
// request's own scheme and host are used.
func RequireSignature(authToken, publicBaseURL string) gin.HandlerFunc {
	base := strings.TrimRight(publicBaseURL, "/")
	return func(c *gin.Context) {
		log := logger.FromGin(c)

		sig := c.GetHeader(SignatureHeader)
		if sig == "" {
			log.Warn("webhook signature missing", "path", c.FullPath())
			metrics.WebhookEvents.WithLabelValues("signature", "missing").Inc()
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing signature"})
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}

		if !ValidSignature(authToken, sig, requestURL(c.Request, base), c.Request.PostForm) {
			log.Warn("webhook signature invalid", "path", c.FullPath())
			metrics.WebhookEvents.WithLabelValues("signature", "invalid").Inc()
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid webhook signature"})
			return
		}
		c.Next()
	}
}

func requestURL(r *http.Request, base string) string {
	if base != "" {
		return base + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
