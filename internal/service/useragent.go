package service

import "strings"

// Грубые семейства браузеров и ОС для эвристики доверия к устройству.
// Словарь фиксированный и намеренно маленький: полноценный разбор User-Agent
// здесь не нужен, минорные обновления браузера не должны менять семейство.
const (
	browserChrome  = "chrome"
	browserFirefox = "firefox"
	browserSafari  = "safari"
	browserEdge    = "edge"
	browserIE      = "ie"
	browserOpera   = "opera"

	osWindows = "windows"
	osMacOS   = "macos"
	osIOS     = "ios"
	osAndroid = "android"
	osLinux   = "linux"

	familyUnknown = "unknown"
)

// browserFamily определяет семейство браузера по User-Agent.
// Порядок проверок важен: UA Edge содержит "chrome", UA Chrome содержит
// "safari", поэтому более специфичные маркеры идут первыми.
func browserFamily(userAgent string) string {
	ua := strings.ToLower(userAgent)

	switch {
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge/"), strings.Contains(ua, "edga/"), strings.Contains(ua, "edgios/"):
		return browserEdge
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return browserOpera
	case strings.Contains(ua, "msie"), strings.Contains(ua, "trident/"):
		return browserIE
	case strings.Contains(ua, "firefox/"), strings.Contains(ua, "fxios/"):
		return browserFirefox
	case strings.Contains(ua, "chrome/"), strings.Contains(ua, "crios/"), strings.Contains(ua, "chromium/"):
		return browserChrome
	case strings.Contains(ua, "safari/"):
		return browserSafari
	default:
		return familyUnknown
	}
}

// osFamily определяет семейство операционной системы по User-Agent.
// iOS проверяется раньше macOS (UA iPhone содержит "like Mac OS X"),
// Android раньше Linux (UA Android содержит "Linux").
func osFamily(userAgent string) string {
	ua := strings.ToLower(userAgent)

	switch {
	case strings.Contains(ua, "windows"):
		return osWindows
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ipod"):
		return osIOS
	case strings.Contains(ua, "mac os"), strings.Contains(ua, "macintosh"):
		return osMacOS
	case strings.Contains(ua, "android"):
		return osAndroid
	case strings.Contains(ua, "linux"), strings.Contains(ua, "x11"):
		return osLinux
	default:
		return familyUnknown
	}
}
