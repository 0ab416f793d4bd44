package buzzworker

import "fmt"

// WebManifest is the web app manifest served at Path.
type WebManifest struct {
	Path            string         `yaml:"path" json:"-"`
	Name            string         `yaml:"name" json:"name"`
	ShortName       string         `yaml:"shortName" json:"short_name"`
	Description     string         `yaml:"description" json:"description,omitempty"`
	StartURL        string         `yaml:"startUrl" json:"start_url"`
	Scope           string         `yaml:"scope" json:"scope,omitempty"`
	Display         string         `yaml:"display" json:"display"`
	ThemeColor      string         `yaml:"themeColor" json:"theme_color"`
	BackgroundColor string         `yaml:"backgroundColor" json:"background_color"`
	Icons           []ManifestIcon `yaml:"icons" json:"icons"`
}

type ManifestIcon struct {
	Src   string `yaml:"src" json:"src"`
	Sizes string `yaml:"sizes" json:"sizes"`
	Type  string `yaml:"type" json:"type"`
}

// defaultIconSizes are the square PNG icons shipped with the app shell.
var defaultIconSizes = []int{48, 72, 96, 128, 144, 152, 192, 256, 384, 512}

func (m *WebManifest) normalize(name string) {
	if m.Path == "" {
		m.Path = "/manifest.webmanifest"
	}
	if m.Name == "" {
		m.Name = name
	}
	if m.ShortName == "" {
		m.ShortName = m.Name
	}
	if m.StartURL == "" {
		m.StartURL = "/"
	}
	if m.Display == "" {
		m.Display = "standalone"
	}
	if m.ThemeColor == "" {
		m.ThemeColor = "#000000"
	}
	if m.BackgroundColor == "" {
		m.BackgroundColor = "#ffffff"
	}
	if len(m.Icons) == 0 {
		for _, n := range defaultIconSizes {
			m.Icons = append(m.Icons, ManifestIcon{
				Src:   fmt.Sprintf("icon-%dx%d.png", n, n),
				Sizes: fmt.Sprintf("%dx%d", n, n),
				Type:  "image/png",
			})
		}
	}
}
