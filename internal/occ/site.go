package occ

import (
	"net/url"
	"strings"
)

// Site describes the storefront and the OCC base site behind it.
type Site struct {
	BaseWeb        string `yaml:"base_web"`
	APIHost        string `yaml:"api_host"`
	SiteID         string `yaml:"site_id"`
	Prefix         string `yaml:"prefix"`
	Currency       string `yaml:"currency"`
	Language       string `yaml:"language"`
	AcceptLanguage string `yaml:"accept_language"`
	UserAgent      string `yaml:"user_agent"`
	PageSize       int    `yaml:"page_size"`
}

func DefaultSite() Site {
	return Site{
		BaseWeb:        "https://www.farmaciasanpablo.com.mx",
		APIHost:        "https://api.farmaciasanpablo.com.mx",
		SiteID:         "fsp",
		Prefix:         "/rest/v2",
		Currency:       "MXN",
		Language:       "es_MX",
		AcceptLanguage: "es-MX,es;q=0.9",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		PageSize:       24,
	}
}

// Headers are sent with every API call so requests look like the storefront's
// own XHR traffic.
func (s Site) Headers() map[string]string {
	return map[string]string{
		"Accept":           "application/json",
		"Accept-Language":  s.AcceptLanguage,
		"Origin":           s.BaseWeb,
		"Referer":          s.BaseWeb + "/",
		"User-Agent":       s.UserAgent,
		"X-Requested-With": "XMLHttpRequest",
	}
}

// endpoint joins path segments under {host}{prefix}/{site}. Segments are
// path-escaped.
func (s Site) endpoint(segments ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(s.APIHost, "/"))
	b.WriteString("/")
	b.WriteString(strings.Trim(s.Prefix, "/"))
	b.WriteString("/")
	b.WriteString(url.PathEscape(s.SiteID))
	for _, seg := range segments {
		b.WriteString("/")
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}

func (s Site) localeQuery() url.Values {
	return url.Values{
		"lang": {s.Language},
		"curr": {s.Currency},
	}
}
