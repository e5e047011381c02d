package cache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// entryHeader 是条目编码的首行 JSON，正文紧随换行符之后原样存放。
type entryHeader struct {
	Key      RequestKey  `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
	Seq      int64       `json:"seq"`
	Size     int         `json:"size"`
}

// encodeEntry 将元数据与正文写成单一流，使存储层一次 rename/PutObject 即可原子替换。
func encodeEntry(w io.Writer, entry Entry) error {
	head := entryHeader{
		Key:      entry.Key,
		Status:   entry.Response.Status,
		Header:   entry.Response.Header,
		StoredAt: entry.StoredAt,
		Seq:      entry.Seq,
		Size:     len(entry.Response.Body),
	}
	raw, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("encode entry header: %w", err)
	}
	raw = append(raw, '\n')
	if _, err := w.Write(raw); err != nil {
		return err
	}
	_, err = w.Write(entry.Response.Body)
	return err
}

// decodeEntry 解析 encodeEntry 的输出；withBody 为 false 时只读取首行。
func decodeEntry(r io.Reader, withBody bool) (*Entry, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read entry header: %w", err)
	}
	var head entryHeader
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("decode entry header: %w", err)
	}

	entry := &Entry{
		Key: head.Key,
		Response: Response{
			Status: head.Status,
			Header: head.Header,
		},
		StoredAt: head.StoredAt,
		Seq:      head.Seq,
	}
	if entry.Response.Header == nil {
		entry.Response.Header = http.Header{}
	}
	if !withBody {
		return entry, nil
	}

	body := make([]byte, head.Size)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, fmt.Errorf("read entry body: %w", err)
	}
	entry.Response.Body = body
	return entry, nil
}
