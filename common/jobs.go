package common

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ErrJobCauseRequired is returned when a job created in this call
// is serialized without a cause. Reopened jobs are exempt.
var ErrJobCauseRequired = errors.New(`"cause" is required for new jobs`)

// Job is a unit of long running work reported back to the platform.
// A new Job gets a generated ID and a start timestamp. Reopening an
// existing Job (by round-tripping its ID through an investigation
// id) never resets start.
type Job struct {
	id      string
	isNew   bool
	start   uint64
	end     uint64
	sensors []string
	cause   string
	history []jobNarration
}

type jobNarration struct {
	TS          uint64        `json:"ts"`
	Message     string        `json:"msg"`
	Attachments []interface{} `json:"attachments"`
	IsImportant bool          `json:"is_important"`
}

// NewJob creates a fresh job. SetCause must be called before the
// job is serialized.
func NewJob() *Job {
	return &Job{
		id:    uuid.NewString(),
		isNew: true,
		start: nowMilli(),
	}
}

// OpenJob reopens an existing job for update.
func OpenJob(jobID string) *Job {
	return &Job{
		id: jobID,
	}
}

func (j *Job) GetID() string {
	return j.id
}

// AddSensor records a sensor as involved in this job.
func (j *Job) AddSensor(sid string) {
	j.sensors = append(j.sensors, sid)
}

// SetCause records why this job was created.
func (j *Job) SetCause(cause string) {
	j.cause = cause
}

// Close marks the job as finished.
func (j *Job) Close() {
	j.end = nowMilli()
}

// Narrate appends an immutable history entry. Attachments are
// rendered here, not when the job is serialized.
func (j *Job) Narrate(message string, attachments []JobAttachment, isImportant bool) {
	rendered := make([]interface{}, 0, len(attachments))
	for _, a := range attachments {
		rendered = append(rendered, a.attachmentRecord())
	}
	j.history = append(j.history, jobNarration{
		TS:          nowMilli(),
		Message:     message,
		Attachments: rendered,
		IsImportant: isImportant,
	})
}

func (j *Job) MarshalJSON() ([]byte, error) {
	if j.isNew && j.cause == "" {
		return nil, ErrJobCauseRequired
	}
	out := map[string]interface{}{
		"id": j.id,
	}
	if j.start != 0 {
		out["start"] = j.start
	}
	if j.end != 0 {
		out["end"] = j.end
	}
	if len(j.sensors) != 0 {
		out["sid"] = j.sensors
	}
	if j.cause != "" {
		out["cause"] = j.cause
	}
	if len(j.history) != 0 {
		out["hist"] = j.history
	}
	return json.Marshal(out)
}

func nowMilli() uint64 {
	return uint64(time.Now().UnixMilli())
}

// JobAttachment is one of the tagged attachment records that can be
// added to a narration entry.
type JobAttachment interface {
	attachmentRecord() map[string]interface{}
}

// HexDump displays binary data as a hex dump.
type HexDump struct {
	Caption string
	Data    []byte
}

func (h HexDump) attachmentRecord() map[string]interface{} {
	return map[string]interface{}{
		"att_type": "hex_dump",
		"caption":  h.Caption,
		"data":     base64.StdEncoding.EncodeToString(h.Data),
	}
}

// Table displays tabular data.
type Table struct {
	Caption string
	Headers []string
	Rows    [][]interface{}
}

func (t *Table) AddRow(fields ...interface{}) {
	t.Rows = append(t.Rows, fields)
}

func (t *Table) Length() int {
	return len(t.Rows)
}

func (t *Table) attachmentRecord() map[string]interface{} {
	rows := t.Rows
	if rows == nil {
		rows = [][]interface{}{}
	}
	return map[string]interface{}{
		"att_type": "table",
		"caption":  t.Caption,
		"headers":  t.Headers,
		"rows":     rows,
	}
}

// YamlData displays structured data as a YAML blob.
type YamlData struct {
	Caption  string
	rendered string
}

// NewYamlData renders the data once up front so narration cannot
// fail later on an unserializable payload.
func NewYamlData(caption string, data interface{}) (*YamlData, error) {
	d, err := yaml.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("yaml attachment: %w", err)
	}
	return &YamlData{Caption: caption, rendered: string(d)}, nil
}

func (y *YamlData) attachmentRecord() map[string]interface{} {
	return map[string]interface{}{
		"att_type": "yaml",
		"caption":  y.Caption,
		"data":     y.rendered,
	}
}

// JsonData displays structured data as a JSON blob.
type JsonData struct {
	Caption  string
	rendered string
}

func NewJsonData(caption string, data interface{}) (*JsonData, error) {
	d, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("json attachment: %w", err)
	}
	return &JsonData{Caption: caption, rendered: string(d)}, nil
}

func (j *JsonData) attachmentRecord() map[string]interface{} {
	return map[string]interface{}{
		"att_type": "json",
		"caption":  j.Caption,
		"data":     j.rendered,
	}
}
