package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrPoolStopped = errors.New("worker pool stopped")

	idPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)
)

// ValidateID 验证 guild / user / game / channel id（1-64 个字符，不含 '/'）
func ValidateID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidateTimezone 验证 IANA 时区名
func ValidateTimezone(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("timezone is required")
	}
	if _, err := time.LoadLocation(name); err != nil {
		return fmt.Errorf("unknown timezone %q", name)
	}
	return nil
}

// ValidateReminderOffset 提醒提前量范围 1 分钟到 7 天
func ValidateReminderOffset(minutes int) bool {
	return minutes >= 1 && minutes <= 7*24*60
}

// NormalizeTags 去除空白、去重（大小写不敏感），保留首次出现的写法
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// SplitCSV 拆分逗号分隔的查询参数
func SplitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
