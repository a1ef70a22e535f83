package models

const (
	PlatformInstagram = "instagram"
	PlatformThreads   = "threads"
	PlatformTiktok    = "tiktok"
	PlatformYoutube   = "youtube"
	PlatformPinterest = "pinterest"
	PlatformMastodon  = "mastodon"
)
