package buzzworker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		method string
		mode   string
		dest   string
		want   Class
	}{
		{"navigation by mode", http.MethodGet, "navigate", "document", ClassNavigation},
		{"document without mode", http.MethodGet, "", "document", ClassNavigation},
		{"script", http.MethodGet, "no-cors", "script", ClassStaticAsset},
		{"style", http.MethodGet, "no-cors", "style", ClassStaticAsset},
		{"font", http.MethodGet, "cors", "font", ClassStaticAsset},
		{"image", http.MethodGet, "no-cors", "image", ClassImage},
		{"fetch api", http.MethodGet, "cors", "empty", ClassUnmatched},
		{"no fetch metadata", http.MethodGet, "", "", ClassUnmatched},
		{"post navigation", http.MethodPost, "navigate", "document", ClassUnmatched},
		{"header case", http.MethodGet, "", "Image", ClassImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/whatever.png", nil)
			if tt.mode != "" {
				r.Header.Set("Sec-Fetch-Mode", tt.mode)
			}
			if tt.dest != "" {
				r.Header.Set("Sec-Fetch-Dest", tt.dest)
			}
			assert.Equal(t, tt.want, Classify(r))
		})
	}
}

func TestClassifyIgnoresURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	r.Header.Set("Sec-Fetch-Dest", "image")
	assert.Equal(t, ClassImage, Classify(r))
}

func TestDefaultStrategyTable(t *testing.T) {
	cfg := DefaultConfig(testOrigin)

	nav := cfg.Strategies.Navigation.descriptor()
	assert.Equal(t, "pages-cache", nav.Partition)
	assert.Equal(t, OrderNetworkFirst, nav.Order)
	assert.Zero(t, nav.Policy.MaxEntries)

	static := cfg.Strategies.Static.descriptor()
	assert.Equal(t, "static-assets-cache", static.Partition)
	assert.Equal(t, OrderCacheFirst, static.Order)
	assert.Equal(t, 100, static.Policy.MaxEntries)

	img := cfg.Strategies.Image.descriptor()
	assert.Equal(t, "images-cache", img.Partition)
	assert.Equal(t, 60, img.Policy.MaxEntries)
}
