package icapmsg

import (
	"fmt"
	"io"
	"strings"

	"github.com/tokenshield/icap/internal/chunked"
	"github.com/tokenshield/icap/internal/icaptypes"
)

// InternalBuildError marks an invariant violation detected while
// serializing a response — per spec.md §4.3 this is always a bug, never a
// client-triggerable condition.
type InternalBuildError struct {
	Detail string
}

func (e *InternalBuildError) Error() string {
	return fmt.Sprintf("icapmsg: internal build error: %s", e.Detail)
}

// maxISTagLen is the 32-octet cap on the opaque ISTag token (spec.md §4.3).
const maxISTagLen = 32

// ResponseSpec describes the response C3 should assemble. HeaderBlock and
// Body are mutually meaningful only when BodyKind is one of req-body/
// res-body; a bodiless status (Status.HasBody() == false) must leave
// BodyKind empty, or Build reports InternalBuildError.
type ResponseSpec struct {
	Status  icaptypes.Status
	ISTag   string
	Headers *icaptypes.Headers // additional headers merged in after ISTag/Encapsulated

	BodyKind    icaptypes.SectionKind // "" (no body), req-body, or res-body
	HeaderBlock []byte                // serialized encapsulated HTTP header section
	Body        [][]byte              // body chunks, encoded with internal/chunked
	Trailers    []string
}

// Build assembles a wire-ready Response from spec, computing the
// Encapsulated table and validating the body-or-null-body invariant
// (spec.md §3 invariant on Response).
func Build(spec ResponseSpec) (*icaptypes.Response, error) {
	resp := &icaptypes.Response{
		Status:  spec.Status,
		Version: icaptypes.V10,
		Headers: icaptypes.NewHeaders(),
	}

	istag := spec.ISTag
	if len(istag) > maxISTagLen {
		istag = istag[:maxISTagLen]
	}
	resp.Headers.Set("ISTag", fmt.Sprintf("%q", istag))

	if spec.Headers != nil {
		for _, k := range spec.Headers.Keys() {
			for _, v := range spec.Headers.Values(k) {
				resp.Headers.Add(k, v)
			}
		}
	}

	hasBody := spec.BodyKind != ""
	if hasBody && !spec.Status.HasBody() {
		return nil, &InternalBuildError{Detail: fmt.Sprintf("status %d must not carry a body", spec.Status.Code)}
	}

	if !hasBody {
		resp.Encapsulated = icaptypes.NullBodyTable()
		resp.Headers.Set("Encapsulated", resp.Encapsulated.String())
		return resp, nil
	}

	if spec.BodyKind != icaptypes.SectionReqBody && spec.BodyKind != icaptypes.SectionResBody {
		return nil, &InternalBuildError{Detail: fmt.Sprintf("invalid body section kind %q", spec.BodyKind)}
	}

	hdrKind := icaptypes.SectionReqHdr
	if spec.BodyKind == icaptypes.SectionResBody {
		hdrKind = icaptypes.SectionResHdr
	}

	table := icaptypes.EncapsulatedTable{Sections: []icaptypes.Section{
		{Kind: hdrKind, Offset: 0},
		{Kind: spec.BodyKind, Offset: len(spec.HeaderBlock)},
	}}
	resp.Encapsulated = table
	resp.Headers.Set("Encapsulated", table.String())
	resp.HeaderBlock = spec.HeaderBlock
	resp.Body = spec.Body

	if len(spec.Trailers) > 0 {
		resp.Trailers = icaptypes.NewHeaders()
		for _, t := range spec.Trailers {
			resp.Trailers.Add("Trailer", t)
		}
	}

	return resp, nil
}

// WriteTo serializes resp to w: status-line, headers, encapsulated header
// block, then (if present) the chunk-encoded body, in that strict order
// (spec.md §5 ordering rule ii).
func WriteTo(w io.Writer, resp *icaptypes.Response) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d %s\r\n", resp.Version.String(), resp.Status.Code, resp.Status.Reason)
	resp.Headers.WriteTo(&sb)
	sb.WriteString("\r\n")
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}

	if len(resp.HeaderBlock) > 0 {
		if _, err := w.Write(resp.HeaderBlock); err != nil {
			return err
		}
	}

	if resp.Encapsulated.HasBodySection() {
		var trailers []string
		if resp.Trailers != nil {
			for _, k := range resp.Trailers.Keys() {
				for _, v := range resp.Trailers.Values(k) {
					trailers = append(trailers, icaptypes.CanonicalName(k)+": "+v)
				}
			}
		}
		if err := chunked.EncodeAll(w, resp.Body, trailers); err != nil {
			return err
		}
	}

	return nil
}

// OptionsSpec describes the OPTIONS response of spec.md §4.3:
// Methods, Service, ISTag, Allow, Preview, Transfer-Preview/Ignore/Complete,
// Max-Connections, Options-TTL — all headers only, null-body.
type OptionsSpec struct {
	ISTag             string
	Methods           []icaptypes.Method
	Service           string
	MaxConnections    int
	OptionsTTLSeconds int
	PreviewBytes      int
	TransferPreview   []string
	TransferIgnore    []string
	TransferComplete  []string
	AllowPreview204    bool
}

// BuildOptions assembles a 200 OK OPTIONS response from spec.
func BuildOptions(spec OptionsSpec) (*icaptypes.Response, error) {
	h := icaptypes.NewHeaders()

	methodNames := make([]string, len(spec.Methods))
	for i, m := range spec.Methods {
		methodNames[i] = string(m)
	}
	h.Set("Methods", strings.Join(methodNames, ", "))

	if spec.Service != "" {
		h.Set("Service", spec.Service)
	}
	if spec.MaxConnections > 0 {
		h.Set("Max-Connections", fmt.Sprintf("%d", spec.MaxConnections))
	}
	if spec.OptionsTTLSeconds > 0 {
		h.Set("Options-TTL", fmt.Sprintf("%d", spec.OptionsTTLSeconds))
	}
	if spec.PreviewBytes > 0 {
		h.Set("Preview", fmt.Sprintf("%d", spec.PreviewBytes))
	}
	if len(spec.TransferPreview) > 0 {
		h.Set("Transfer-Preview", strings.Join(spec.TransferPreview, ", "))
	}
	if len(spec.TransferIgnore) > 0 {
		h.Set("Transfer-Ignore", strings.Join(spec.TransferIgnore, ", "))
	}
	if len(spec.TransferComplete) > 0 {
		h.Set("Transfer-Complete", strings.Join(spec.TransferComplete, ", "))
	}
	if spec.AllowPreview204 {
		h.Set("Allow", "204")
	}

	return Build(ResponseSpec{
		Status:  icaptypes.NewStatus(200, ""),
		ISTag:   spec.ISTag,
		Headers: h,
	})
}

// BuildServiceUnavailable assembles the 503 response, requiring the caller
// to supply a Retry-After value (spec.md §4.3/§7) since only the caller
// (server/config layer) knows the backoff window.
func BuildServiceUnavailable(istag string, retryAfterSeconds int) (*icaptypes.Response, error) {
	h := icaptypes.NewHeaders()
	h.Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	return Build(ResponseSpec{Status: icaptypes.NewStatus(503, ""), ISTag: istag, Headers: h})
}
