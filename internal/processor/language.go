package processor

import (
	"strings"
	"unicode"
)

// DetectLanguage 根据文本使用的文字推断两位语言代码。
// 纯拉丁字母时退回源声明的语言，再退回 "en"。
func DetectLanguage(text, declared string) string {
	var hangul, kana, han, cyrillic int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
			kana++
		case isCJK(r):
			han++
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		}
	}

	switch {
	case hangul > 0:
		return "ko"
	case kana > 0:
		return "ja"
	case han > 0:
		return "zh"
	case cyrillic > 0:
		return "ru"
	}

	declared = strings.ToLower(strings.TrimSpace(declared))
	if len(declared) >= 2 {
		return declared[:2]
	}
	return "en"
}

func isCJK(r rune) bool {
	if r >= 0x4e00 && r <= 0x9fff {
		return true
	}
	if r >= 0x3400 && r <= 0x4dbf {
		return true
	}
	return false
}
