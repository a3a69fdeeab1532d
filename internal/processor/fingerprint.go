package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/gowebpki/jcs"
)

type fingerprintFields struct {
	Source string `json:"source"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

// Fingerprint 对 {source, 去空白并小写的标题, 规范化 url} 做 RFC 8785
// 规范化 JSON 后取 SHA-256 十六进制。正文和发布时间不参与身份判断。
func Fingerprint(d ContentDraft) string {
	raw, err := json.Marshal(fingerprintFields{
		Source: strings.TrimSpace(d.Source),
		Title:  strings.ToLower(collapseSpaces(d.Title)),
		URL:    NormalizeURL(d.URL),
	})
	if err != nil {
		panic(err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
