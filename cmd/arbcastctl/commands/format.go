package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/dantte-lp/arbcast/internal/server"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatInstances renders a list of broadcast instances in the requested format.
func formatInstances(views []server.InstanceView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(views)
	case formatTable:
		return formatInstancesTable(views)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatInstance renders a single broadcast instance in the requested format.
func formatInstance(view server.InstanceView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(view)
	case formatTable:
		return formatInstanceDetail(view)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatDeliveries renders delivered broadcasts in the requested format.
func formatDeliveries(views []server.DeliveryView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(views)
	case formatTable:
		return formatDeliveriesTable(views)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatInstancesTable(views []server.InstanceView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPHASE\tECHOES\tREADIES\tREADY-SENT\tPAYLOAD")

	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\t%s\n",
			v.ID,
			v.Phase,
			v.EchoCount,
			v.ReadyCount,
			v.ReadySent,
			payloadSize(v.PayloadSize),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatInstanceDetail(v server.InstanceView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Identifier:\t%s\n", v.ID)
	fmt.Fprintf(w, "Sender:\t%d\n", v.Sender)
	fmt.Fprintf(w, "Sequence:\t%d\n", v.Sequence)
	fmt.Fprintf(w, "Phase:\t%s\n", v.Phase)
	fmt.Fprintf(w, "Echo Count:\t%d\n", v.EchoCount)
	fmt.Fprintf(w, "Ready Count:\t%d\n", v.ReadyCount)
	fmt.Fprintf(w, "Ready Sent:\t%t\n", v.ReadySent)
	fmt.Fprintf(w, "Digest Locked:\t%t\n", v.DigestLocked)
	fmt.Fprintf(w, "Delivered:\t%t\n", v.Delivered)
	fmt.Fprintf(w, "Payload Size:\t%s\n", payloadSize(v.PayloadSize))

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatDeliveriesTable(views []server.DeliveryView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tID\tBYTES\tPAYLOAD")

	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			v.Time.Format(time.RFC3339),
			v.ID,
			len(v.Payload),
			payloadPreview(v.Payload),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// formatDeliveryLine renders one delivery as a single monitor line.
func formatDeliveryLine(v server.DeliveryView) string {
	return fmt.Sprintf("[%s] delivered  id=%s  bytes=%d  payload=%s",
		v.Time.Format(time.RFC3339),
		v.ID,
		len(v.Payload),
		payloadPreview(v.Payload),
	)
}

// --- Helpers ---

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}

	return string(data), nil
}

func payloadSize(n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprintf("%dB", n)
}

// payloadPreviewLimit caps how much payload the table shows.
const payloadPreviewLimit = 48

// payloadPreview renders a payload for table output: quoted text when it
// is valid UTF-8, hex otherwise, truncated past the preview limit.
func payloadPreview(p []byte) string {
	if len(p) == 0 {
		return `""`
	}

	truncated := false
	if len(p) > payloadPreviewLimit {
		p = p[:payloadPreviewLimit]
		truncated = true
	}

	var out string
	if utf8.Valid(p) {
		out = fmt.Sprintf("%q", p)
	} else {
		out = fmt.Sprintf("0x%x", p)
	}
	if truncated {
		out += "..."
	}
	return out
}
