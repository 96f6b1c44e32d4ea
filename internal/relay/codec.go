package relay

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	coreerrors "cfspider-core/internal/core/errors"
)

// 信封头约定：自定义请求头经 X-CFSpider-Header- 前缀传递，
// 边缘侧剥掉前缀后原样转发给目标站点
const (
	HeaderPrefix       = "X-CFSpider-Header-"
	HeaderBodyType     = "X-CFSpider-Body-Type"
	HeaderBodyEncoding = "X-CFSpider-Body-Encoding"

	// 边缘端点的子路径；客户端只依赖 /json，其余路径允许缺失
	PathJSON   = "/json"
	PathProxy  = "/proxy"
	PathStatus = "/status"
)

// 请求体类型标签
const (
	bodyTypeForm = "form"
	bodyTypeJSON = "json"
	bodyTypeRaw  = "raw"

	encodingBase64 = "base64"
)

// Envelope 一次中继调用的线上编码；仅在编解码期间短暂存在
type Envelope struct {
	URL    string      // 对边缘端点发起的完整调用 URL
	Header http.Header // 信封头（含前缀化的自定义头）
	Body   []byte      // 调用体
}

// Encode 把出站请求编码为边缘端点接受的单次调用；纯函数，无状态
func Encode(req *Request, addr Address) (*Envelope, error) {
	if addr.IsZero() {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "relay address is required")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	target, err := req.TargetURL()
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		URL: addr.Base() + PathJSON +
			"?url=" + url.QueryEscape(target) +
			"&method=" + string(req.Method),
		Header: make(http.Header),
	}

	// 同键后写覆盖：取每个键的最后一个值
	for key, values := range req.Header {
		if len(values) == 0 {
			continue
		}
		env.Header.Set(HeaderPrefix+key, values[len(values)-1])
	}

	switch req.Body {
	case BodyNone:
	case BodyForm:
		env.Body = []byte(req.Form.Encode())
		env.Header.Set(HeaderBodyType, bodyTypeForm)
		env.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	case BodyJSON:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeInvalidParam, "request JSON body is not serializable")
		}
		env.Body = data
		env.Header.Set(HeaderBodyType, bodyTypeJSON)
		env.Header.Set("Content-Type", "application/json")
	case BodyRaw:
		// 二进制体走 base64，保证对信封传输透明
		env.Body = []byte(base64.StdEncoding.EncodeToString(req.Raw))
		env.Header.Set(HeaderBodyType, bodyTypeRaw)
		env.Header.Set(HeaderBodyEncoding, encodingBase64)
		env.Header.Set("Content-Type", "application/octet-stream")
	default:
		return nil, coreerrors.Newf(coreerrors.CodeInvalidParam, "unknown body kind %d", req.Body)
	}

	return env, nil
}

// DecodeRequest 边缘侧视角：从信封调用还原出站请求
// 客户端不使用此函数；它服务于协议的往返测试和进程内边缘模拟
func DecodeRequest(callURL string, header http.Header, body []byte) (*Request, error) {
	u, err := url.Parse(callURL)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "malformed envelope URL")
	}

	q := u.Query()
	target := q.Get("url")
	if target == "" {
		return nil, coreerrors.New(coreerrors.CodeProtocolError, "envelope missing target url")
	}
	method := Method(strings.ToUpper(q.Get("method")))
	if !method.Valid() {
		return nil, coreerrors.Newf(coreerrors.CodeProtocolError, "envelope has invalid method %q", q.Get("method"))
	}

	req := &Request{
		Method: method,
		URL:    target,
		Header: make(http.Header),
	}

	for key, values := range header {
		if len(values) == 0 {
			continue
		}
		// http.Header 的键已规范化，前缀匹配需忽略大小写
		if strings.HasPrefix(strings.ToLower(key), strings.ToLower(HeaderPrefix)) {
			req.Header.Set(key[len(HeaderPrefix):], values[len(values)-1])
		}
	}

	switch header.Get(HeaderBodyType) {
	case "":
		req.Body = BodyNone
	case bodyTypeForm:
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "malformed form body")
		}
		req.Body = BodyForm
		req.Form = form
	case bodyTypeJSON:
		if !json.Valid(body) {
			return nil, coreerrors.New(coreerrors.CodeProtocolError, "malformed JSON body")
		}
		req.Body = BodyJSON
		req.JSON = json.RawMessage(body)
	case bodyTypeRaw:
		if header.Get(HeaderBodyEncoding) != encodingBase64 {
			return nil, coreerrors.New(coreerrors.CodeProtocolError, "raw body missing base64 encoding tag")
		}
		raw, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "malformed base64 body")
		}
		req.Body = BodyRaw
		req.Raw = raw
	default:
		return nil, coreerrors.Newf(coreerrors.CodeProtocolError, "unknown body type %q", header.Get(HeaderBodyType))
	}

	return req, nil
}

// responseEnvelope 边缘回复的 JSON 元数据信封
type responseEnvelope struct {
	Status       *int        `json:"status"`
	Headers      [][2]string `json:"headers"`
	Body         string      `json:"body"`
	BodyEncoding string      `json:"body_encoding,omitempty"`
	Colo         string      `json:"colo"`
	Ray          string      `json:"ray"`
	URL          string      `json:"url,omitempty"`
}

// Decode 把边缘回复信封还原为响应对象；纯函数，无状态
//
// 注意目标站点的 4xx/5xx 状态是合法的响应内容，不是这一层的错误；
// 中继调用本身的失败由传输层在进入 Decode 之前处理
func Decode(raw []byte) (*Response, error) {
	var env responseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "malformed relay reply envelope")
	}
	if env.Status == nil {
		return nil, coreerrors.New(coreerrors.CodeProtocolError, "relay reply envelope missing status")
	}
	if *env.Status < 100 || *env.Status > 599 {
		return nil, coreerrors.Newf(coreerrors.CodeProtocolError, "relay reply envelope has invalid status %d", *env.Status)
	}

	var content []byte
	switch env.BodyEncoding {
	case "", "text":
		content = []byte(env.Body)
	case encodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(env.Body)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeProtocolError, "relay reply body is not valid base64")
		}
		content = decoded
	default:
		return nil, coreerrors.Newf(coreerrors.CodeProtocolError, "unknown reply body encoding %q", env.BodyEncoding)
	}

	headers := make([]HeaderItem, 0, len(env.Headers))
	for _, kv := range env.Headers {
		headers = append(headers, HeaderItem{Key: kv[0], Value: kv[1]})
	}

	return &Response{
		StatusCode: *env.Status,
		Content:    content,
		Colo:       env.Colo,
		Ray:        env.Ray,
		URL:        env.URL,
		headers:    headers,
	}, nil
}

// EncodeResponse 边缘侧视角：把目标站点的响应编码为回复信封
// 与 DecodeRequest 同理，服务于往返测试和进程内边缘模拟
func EncodeResponse(resp *Response) ([]byte, error) {
	status := resp.StatusCode
	env := responseEnvelope{
		Status:  &status,
		Headers: make([][2]string, 0, len(resp.headers)),
		Colo:    resp.Colo,
		Ray:     resp.Ray,
		URL:     resp.URL,
	}
	for _, h := range resp.headers {
		env.Headers = append(env.Headers, [2]string{h.Key, h.Value})
	}

	if utf8.Valid(resp.Content) {
		env.Body = string(resp.Content)
		env.BodyEncoding = "text"
	} else {
		env.Body = base64.StdEncoding.EncodeToString(resp.Content)
		env.BodyEncoding = encodingBase64
	}

	return json.Marshal(&env)
}
