// Package fingerprint derives the identity of an error report: the hash that
// decides which group it joins plus its human-readable title and culprit.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"unicode/utf8"

	"github.com/faultline-systems/faultline/core/internal/model"
)

const maxTitleRunes = 100

// Generate computes every derived value for report.
func Generate(report *model.ErrorReport) model.Derived {
	return model.Derived{
		Fingerprint: Fingerprint(report),
		Title:       Title(report),
		Culprit:     Culprit(report),
		GroupingKey: GroupingKey(report),
	}
}

// Fingerprint returns the hex MD5 of the non-empty identifying parts. Each
// part is written as its byte length, a colon and the bytes, so no content
// can shift into a neighbouring part. Exception and message reports hash a
// different leading tag.
func Fingerprint(report *model.ErrorReport) string {
	var parts []string
	if report.Exception != nil {
		parts = []string{"exception", report.Exception.Type, report.Exception.Value}
	} else {
		parts = []string{"message", report.Message}
	}
	parts = append(parts, report.Service, report.Environment)

	h := md5.New()
	for _, p := range parts {
		if p == "" {
			continue
		}
		h.Write([]byte(strconv.Itoa(len(p))))
		h.Write([]byte{':'})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Title is "Type: value" for exceptions, else the message cut to 100 runes.
func Title(report *model.ErrorReport) string {
	if report.Exception != nil {
		return report.Exception.Type + ": " + report.Exception.Value
	}
	if utf8.RuneCountInString(report.Message) <= maxTitleRunes {
		return report.Message
	}
	return string([]rune(report.Message)[:maxTitleRunes]) + "..."
}

// Culprit names where the error happened.
func Culprit(report *model.ErrorReport) string {
	if report.Exception != nil {
		return report.Service + " in " + report.Exception.Type
	}
	return report.Service + " in unknown"
}

// GroupingKey is a coarse index key: service, environment and exception type.
func GroupingKey(report *model.ErrorReport) string {
	kind := "message"
	if report.Exception != nil {
		kind = report.Exception.Type
	}
	return report.Service + ":" + report.Environment + ":" + kind
}
