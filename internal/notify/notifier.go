package notify

import (
	"fmt"
	"net/smtp"

	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/pkg/config"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Notifier 扫描完成/威胁检出时创建站内通知, 必要时发送邮件告警。
// 所有失败只记录日志, 不向调用方传播。
type Notifier struct {
	DB   *gorm.DB
	Mail *config.MailConfig
}

func NewNotifier(db *gorm.DB, mail *config.MailConfig) *Notifier {
	return &Notifier{DB: db, Mail: mail}
}

// ScanCompleted 为一次完成的扫描创建通知; 有检出时额外发送邮件告警
func (n *Notifier) ScanCompleted(scan *model.ScanResult) {
	var user model.User
	if err := n.DB.First(&user, scan.UserID).Error; err != nil {
		logger.Logger.Warn("通知失败: 用户不存在", zap.Uint("user_id", scan.UserID), zap.Error(err))
		return
	}

	notification := model.Notification{
		UserID:       scan.UserID,
		Type:         model.NotifyScanComplete,
		Priority:     model.LevelMedium,
		Title:        fmt.Sprintf("Scan completed: %s", scan.FileName),
		Message:      fmt.Sprintf("Scan of %s completed with threat level %s.", scan.FileName, scan.ThreatLevel),
		ScanResultID: &scan.ID,
		Metadata:     model.JSONB{"threat_level": string(scan.ThreatLevel), "threats_found": scan.ThreatsFound},
	}

	if scan.ThreatLevel != model.LevelClean && scan.ThreatLevel != model.LevelUnknown {
		notification.Type = model.NotifyThreatDetected
		notification.Priority = model.LevelHigh
		notification.Title = fmt.Sprintf("Security Alert: %d threat(s) detected", scan.ThreatsFound)
		notification.Message = fmt.Sprintf("Threats detected in scan of %s. Please review the scan results.", scan.FileName)
	}

	if err := n.DB.Create(&notification).Error; err != nil {
		logger.Logger.Error("创建通知失败", zap.Error(err))
	}

	if notification.Type == model.NotifyThreatDetected && user.NotifySecurityAlerts {
		n.sendMail(&user, scan)
	}
}

// ScanFailed 扫描永久失败时通知用户
func (n *Notifier) ScanFailed(scan *model.ScanResult) {
	notification := model.Notification{
		UserID:       scan.UserID,
		Type:         model.NotifySystem,
		Priority:     model.LevelMedium,
		Title:        fmt.Sprintf("Scan failed: %s", scan.FileName),
		Message:      scan.ErrorMessage,
		ScanResultID: &scan.ID,
	}
	if err := n.DB.Create(&notification).Error; err != nil {
		logger.Logger.Error("创建通知失败", zap.Error(err))
	}
}

func (n *Notifier) sendMail(user *model.User, scan *model.ScanResult) {
	if n.Mail == nil || !n.Mail.Enabled {
		return
	}
	addr := fmt.Sprintf("%s:%d", n.Mail.Host, n.Mail.Port)
	subject := fmt.Sprintf("[Trojan Defender] Threats Detected in %s", scan.FileName)
	body := fmt.Sprintf(
		"Hello %s,\r\n\r\n%d threat(s) were detected while scanning %s (threat level: %s).\r\nPlease review the scan results.\r\n",
		user.Username, scan.ThreatsFound, scan.FileName, scan.ThreatLevel,
	)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", n.Mail.From, user.Email, subject, body)

	var a smtp.Auth
	if n.Mail.Username != "" {
		a = smtp.PlainAuth("", n.Mail.Username, n.Mail.Password, n.Mail.Host)
	}
	if err := smtp.SendMail(addr, a, n.Mail.From, []string{user.Email}, []byte(msg)); err != nil {
		logger.Logger.Error("威胁告警邮件发送失败", zap.String("to", user.Email), zap.Error(err))
	}
}
