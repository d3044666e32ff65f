// Package codec HTTP线格式编码器：把任意嵌套结构值展平为一组HTTP头，外加
// 一个确定性的multipart正文与content-digest。同一结构值无论插入顺序如何，
// 产出的字节序列完全一致，可直接用于签名。
package codec

import (
	"crypto/sha256"
	"encoding/base64"
	"sort"
	"strings"
)

// bodyValueThresholdBytes 超过该字节数的值不再放进HTTP头
const bodyValueThresholdBytes = 4096

// EncodedMessage Encode产出的线格式
type EncodedMessage struct {
	Headers       map[string]string
	Body          []byte
	ContentType   string
	ContentDigest string
}

// Encode 展平value并把结果划分为头与可选的multipart正文
//
// 展平路径含"/"的键、以及值超长的键进入正文，其余成为头；叶子无法表示时
// 整次编码失败，不产出任何部分结果。
func Encode(value interface{}) (*EncodedMessage, error) {
	leaves, err := flatten(value)
	if err != nil {
		return nil, err
	}

	sort.Slice(leaves, func(i, j int) bool { return leaves[i].path < leaves[j].path })

	headers := map[string]string{}
	var bodyKeys []string
	bodyValues := map[string]string{}

	for _, lf := range leaves {
		if strings.Contains(lf.path, "/") || len(lf.value) > bodyValueThresholdBytes {
			bodyKeys = append(bodyKeys, lf.path)
			bodyValues[lf.path] = lf.value
			continue
		}
		headers[lf.path] = lf.value
	}

	msg := &EncodedMessage{Headers: headers}

	if len(bodyKeys) == 0 {
		return msg, nil
	}

	sort.Strings(bodyKeys)
	body, boundary := assembleMultipart(bodyKeys, bodyValues)
	msg.Body = body
	msg.ContentType = `multipart/form-data; boundary="` + boundary + `"`
	msg.ContentDigest = contentDigestHeader(body)

	return msg, nil
}

// assembleMultipart 组装multipart正文
//
// boundary取各part按CRLF连接（末part不带CRLF）后的sha256，再base64url；
// 因此正文自身就是内容寻址的。标准库multipart.Writer无法预先注入这种由
// 内容派生的boundary，这里直接手工拼装。
func assembleMultipart(keys []string, values map[string]string) (body []byte, boundary string) {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = "content-disposition: form-data;name=\"" + k + "\"\r\n\r\n" + values[k]
	}

	joined := strings.Join(parts, "\r\n")
	sum := sha256.Sum256([]byte(joined))
	boundary = base64.RawURLEncoding.EncodeToString(sum[:])

	var b strings.Builder
	for _, p := range parts {
		b.WriteString("--")
		b.WriteString(boundary)
		b.WriteString("\r\n")
		b.WriteString(p)
		b.WriteString("\r\n")
	}
	b.WriteString("--")
	b.WriteString(boundary)
	b.WriteString("--")

	return []byte(b.String()), boundary
}

func contentDigestHeader(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha-256=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"
}
