package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Snapshot 是缓存中保存的响应快照：状态码、响应头与完整正文。
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// NewSnapshot 复制响应头与正文，得到与原响应互不影响的快照。
func NewSnapshot(status int, header http.Header, body []byte) *Snapshot {
	return &Snapshot{
		Status:   status,
		Header:   header.Clone(),
		Body:     append([]byte(nil), body...),
		StoredAt: time.Now().UTC(),
	}
}

// Clone 返回深拷贝，避免调用方修改缓存中的对象。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	return &Snapshot{
		Status:   s.Status,
		Header:   s.Header.Clone(),
		Body:     append([]byte(nil), s.Body...),
		StoredAt: s.StoredAt,
	}
}

// Response 将快照还原为可直接返回给调用方的 *http.Response，每次调用正文都可独立读取。
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Size 返回正文字节数。
func (s *Snapshot) Size() int64 {
	if s == nil {
		return 0
	}
	return int64(len(s.Body))
}
