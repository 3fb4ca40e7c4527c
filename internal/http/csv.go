package http

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"ingestly/internal/events"
	"ingestly/internal/users"
)

// CSV export renders opaque property maps as one JSON cell rather than
// exploding them into columns; property keys vary per tenant.

func writeEventsCSV(c *fiber.Ctx, rows []events.AnalyticsEvent) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"eventId", "event", "userId", "sessionId", "deviceId", "country", "timestamp", "receivedAt", "properties"}
	if err := w.Write(header); err != nil {
		return err
	}

	for i := range rows {
		e := &rows[i]
		record := []string{
			e.EventID,
			e.EventName,
			e.UserID,
			e.SessionID,
			e.DeviceID,
			e.Country,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.ReceivedAt.UTC().Format(time.RFC3339Nano),
			propertiesCell(e.Properties),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="events.csv"`)
	return c.Send(buf.Bytes())
}

func writeUsersCSV(c *fiber.Ctx, rows []users.UserRecord) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"userId", "firstSeen", "lastSeen", "sessionCount", "eventCount", "properties"}
	if err := w.Write(header); err != nil {
		return err
	}

	for i := range rows {
		u := &rows[i]
		record := []string{
			u.UserID,
			u.FirstSeen.UTC().Format(time.RFC3339Nano),
			u.LastSeen.UTC().Format(time.RFC3339Nano),
			strconv.Itoa(u.SessionCount),
			strconv.Itoa(u.EventCount),
			propertiesCell(u.Properties),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="users.csv"`)
	return c.Send(buf.Bytes())
}

func propertiesCell(props map[string]interface{}) string {
	if len(props) == 0 {
		return ""
	}
	data, err := json.Marshal(props)
	if err != nil {
		return ""
	}
	return string(data)
}
