package validator

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// 允许上传的文件后缀。空集表示不限制, 由配置决定。
var dangerousNames = map[string]bool{
	"":   true,
	".":  true,
	"..": true,
}

// ValidateUpload 校验上传文件的文件名与大小
func ValidateUpload(fileName string, fileSize, maxSize int64, allowedExts []string) error {
	base := filepath.Base(fileName)
	if dangerousNames[base] || strings.ContainsAny(base, "/\\\x00") {
		return fmt.Errorf("'%s' 不是一个合法的文件名", fileName)
	}
	if fileSize <= 0 {
		return fmt.Errorf("文件内容为空")
	}
	if maxSize > 0 && fileSize > maxSize {
		return fmt.Errorf("文件大小 %d 超过上限 %d", fileSize, maxSize)
	}
	if len(allowedExts) > 0 {
		ext := strings.ToLower(filepath.Ext(base))
		for _, allowed := range allowedExts {
			if ext == strings.ToLower(allowed) {
				return nil
			}
		}
		return fmt.Errorf("不支持的文件类型 '%s'", ext)
	}
	return nil
}

// ValidateIP 校验IPv4/IPv6地址
func ValidateIP(value string) error {
	if net.ParseIP(value) == nil {
		return fmt.Errorf("'%s' 不是一个合法的IPv4或IPv6地址", value)
	}
	return nil
}
