package scanner

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
)

// clamd应答格式: "stream: Eicar-Test-Signature FOUND" / "stream: OK"
var clamdFoundRe = regexp.MustCompile(`^(.+): (.+) FOUND$`)

// ClamAVEngine 通过clamd守护进程的TCP协议扫描文件 (PING + INSTREAM)
type ClamAVEngine struct {
	Addr    string
	Timeout time.Duration
	// Dialer 可替换, 测试时指向本地fake clamd
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

func NewClamAVEngine(addr string, timeout time.Duration) *ClamAVEngine {
	return &ClamAVEngine{
		Addr:    addr,
		Timeout: timeout,
		Dialer: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

func (e *ClamAVEngine) Name() string { return "ClamAV" }

func (e *ClamAVEngine) Scan(ctx context.Context, path string) (*EngineResult, error) {
	// clamd在非IDSESSION模式下对每条命令应答后即关闭连接,
	// 因此PING与INSTREAM各自使用独立连接
	err := withRetry(ctx, 3, time.Second, func() error {
		c, err := e.dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		return ping(c, e.Timeout)
	})
	if err != nil {
		msg := fmt.Sprintf("ClamAV daemon not available after 3 attempts: %v", err)
		logger.Logger.Error("ClamAV连接失败", zap.String("addr", e.Addr), zap.Error(err))
		return errorResult(e.Name(), msg), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return errorResult(e.Name(), fmt.Sprintf("file not readable: %v", err)), nil
	}
	defer f.Close()

	conn, err := e.dial(ctx)
	if err != nil {
		return errorResult(e.Name(), fmt.Sprintf("ClamAV scan failed: %v", err)), nil
	}
	defer conn.Close()

	reply, err := e.instream(conn, f)
	if err != nil {
		return errorResult(e.Name(), fmt.Sprintf("ClamAV scan failed: %v", err)), nil
	}

	if m := clamdFoundRe.FindStringSubmatch(reply); m != nil {
		name := m[2]
		logger.Logger.Warn("ClamAV检出威胁", zap.String("file", path), zap.String("threat", name))
		finding := Finding{
			Name:          name,
			ThreatType:    classifyThreatName(name),
			Severity:      model.LevelHigh,
			Description:   fmt.Sprintf("ClamAV detected: %s", name),
			Location:      path,
			DetectionRule: name,
		}
		return &EngineResult{
			Engine:   e.Name(),
			Status:   StatusDetected,
			Message:  "ClamAV scan completed. Found 1 threats.",
			Findings: []Finding{finding},
		}, nil
	}

	if !strings.HasSuffix(reply, "OK") {
		return errorResult(e.Name(), fmt.Sprintf("unexpected clamd reply: %q", reply)), nil
	}
	return &EngineResult{Engine: e.Name(), Status: StatusClean, Message: "No threats detected by ClamAV"}, nil
}

func (e *ClamAVEngine) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()
	return e.Dialer(dialCtx, e.Addr)
}

func ping(conn net.Conn, timeout time.Duration) error {
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write([]byte("zPING\x00")); err != nil {
		return err
	}
	reply, err := readReply(conn)
	if err != nil {
		return err
	}
	if reply != "PONG" {
		return fmt.Errorf("clamd ping failed: %q", reply)
	}
	conn.SetDeadline(time.Time{})
	return nil
}

// instream 按clamd INSTREAM协议发送文件内容: 4字节大端长度前缀的块, 零长度块结束
func (e *ClamAVEngine) instream(conn net.Conn, r io.Reader) (string, error) {
	conn.SetDeadline(time.Now().Add(e.Timeout))
	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return "", err
	}

	buf := make([]byte, 4096)
	size := make([]byte, 4)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(size, uint32(n))
			if _, werr := conn.Write(size); werr != nil {
				return "", werr
			}
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return "", werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	binary.BigEndian.PutUint32(size, 0)
	if _, err := conn.Write(size); err != nil {
		return "", err
	}
	return readReply(conn)
}

func readReply(conn net.Conn) (string, error) {
	line, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && !strings.HasSuffix(line, "\x00") {
		return "", err
	}
	return strings.TrimSpace(strings.TrimSuffix(line, "\x00")), nil
}
