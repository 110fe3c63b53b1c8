package service

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxFilenameLength = 255

var filenameStripPattern = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// sanitizeFilename 把不可信的文件名收敛为安全的基础名：
// 丢弃非 ASCII 与路径成分、空白折叠为下划线、保留保守字符集、
// 截断超长部分；全部被剥离时以生成名兜底。
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
		}
	}

	s := b.String()
	s = strings.ReplaceAll(s, "/", " ")
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.Join(strings.Fields(s), "_")
	s = filenameStripPattern.ReplaceAllString(s, "")
	s = strings.Trim(s, "._")

	if len(s) > maxFilenameLength {
		s = s[:maxFilenameLength]
	}
	if s == "" {
		return "upload-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return s
}

// noChecksumPrefix 标记客户端未提供内容哈希时的指纹兜底形式，
// 定稿时该形式跳过校验和比对。
const noChecksumPrefix = "NOCHK:"

func fallbackFingerprint(filename string, size int64) string {
	return fmt.Sprintf("%s%s:%d", noChecksumPrefix, filename, size)
}

func isPlaceholderFingerprint(fingerprint string) bool {
	return strings.HasPrefix(fingerprint, noChecksumPrefix)
}
