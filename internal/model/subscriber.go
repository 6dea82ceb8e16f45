package model

// Subscriber は購読者レコード。購読者管理側が所有し、コアは読み取りのみ行う。
type Subscriber struct {
	Email    string
	Verified bool
	Token    string // 16文字の所持トークン
}

// SubscriberPage はカーソルページネーションの1ページ。
// NextCursorが空文字の場合は最終ページ。
type SubscriberPage struct {
	Subscribers []Subscriber
	NextCursor  string
}
