package lifecycle

// 默认值与原始 PWA 保持一致，站点可在配置中逐项覆盖。
const (
	DefaultAPIPrefix         = "/api/"
	DefaultOfflineShell      = "/index.html"
	SyncBookingsTag          = "sync-bookings"
	DefaultNotificationTitle = "Deep Blue Diving"
	DefaultNotificationBody  = "New update from Deep Blue Diving"
	DefaultNotificationRoute = "/my-account"

	NotificationIcon  = "/pwa-icons/icon-192x192.png"
	NotificationBadge = "/pwa-icons/icon-72x72.png"
	NotificationTag   = "deep-blue-notification"
)

var (
	// DefaultPrefixes 标记属于本应用的分区名前缀，包含旧品牌前缀以便清理历史版本。
	DefaultPrefixes = []string{"dcms-", "deep-blue-diver-"}

	// DefaultPrecache 是安装阶段预缓存的应用外壳。
	DefaultPrecache = []string{
		"/",
		"/index.html",
		"/static/css/main.css",
		"/static/js/main.js",
		"/manifest.json",
		"/favicon.ico",
	}

	// NotificationVibrate 是通知振动节奏（毫秒）。
	NotificationVibrate = []int{200, 100, 200}
)
