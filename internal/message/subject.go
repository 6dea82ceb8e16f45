package message

import "strings"

const (
	// MaxSubjectBytes は件名の最大バイト数。
	MaxSubjectBytes = 99
	// GenericSubject は件名が空になった場合の代替。
	GenericSubject = "A new notice has been published"

	subjectPrefix = "Notice: "
)

// Subject はタイトルを配信用の件名に整形する。
// 印字可能ASCII（0x20〜0x7E）以外を除去し、先頭が空白なら接頭辞を付け、99バイトで切る。
// 除去後に空になった場合はGenericSubjectを返す。
func Subject(title string) string {
	s := strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7E {
			return -1
		}
		return r
	}, title)
	if s == "" {
		return GenericSubject
	}
	if s[0] == ' ' {
		s = subjectPrefix + s
	}
	if len(s) > MaxSubjectBytes {
		s = s[:MaxSubjectBytes]
	}
	return s
}
