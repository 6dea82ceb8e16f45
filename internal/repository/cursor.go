package repository

import (
	"encoding/base64"
	"errors"
)

// ErrInvalidCursor はカーソル文字列を復号できない場合のエラー。
var ErrInvalidCursor = errors.New("カーソルの形式が不正です")

// encodeCursor はページ末尾のemailを不透明なカーソル文字列に変換する。
func encodeCursor(lastEmail string) string {
	if lastEmail == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(lastEmail))
}

// decodeCursor はカーソル文字列からemailを取り出す。空文字は先頭を意味する。
func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(b) == 0 {
		return "", ErrInvalidCursor
	}
	return string(b), nil
}
