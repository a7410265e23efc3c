package patch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pipeline-copilot/pkg/domain"
)

func TestInferLanguage(t *testing.T) {
	clock := domain.NewFakeClock(time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC))
	tests := []struct {
		name    string
		message string
		stack   string
		window  string
		want    string
	}{
		{name: "defaults to python", message: "something odd happened", want: "python"},
		{name: "python traceback", message: "ModuleNotFoundError: No module named 'yaml'", want: "python"},
		{name: "node module", message: "npm ERR! Cannot find module 'express'", want: "javascript"},
		{name: "java stack", message: "java.lang.NullPointerException", stack: "at com.acme.Billing.total(Billing.java:41)", want: "java"},
		{name: "go modules", message: "go.mod: module requires go >= 1.22", want: "go"},
		{name: "ruby gems", message: "Could not find gem 'rails' in Gemfile", want: "ruby"},
		{name: "linker output", message: "undefined reference to `curl_easy_init'", stack: "collect2: error: ld returned 1 exit status", want: "c++"},
		{name: "shell failure", message: "/bin/sh: 1: terraform: command not found", want: "bash"},
		{name: "docker daemon", message: "Error response from Docker daemon: container exited", want: "docker"},
		{name: "ties go to the earlier group", message: "python job needs npm", want: "python"},
		{name: "surrounding context counts", message: "panic: sync error", window: "goroutine 17 [running]:\nmain.run()", want: "go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := domain.NewPipelineError(clock, tt.message,
				domain.SeverityHigh, domain.CategoryUnknown, domain.StageBuild)
			rec.StackTrace = tt.stack
			if tt.window != "" {
				rec.Context["surrounding_context"] = domain.Str(tt.window)
			}
			assert.Equal(t, tt.want, inferLanguage(rec))
		})
	}
}
