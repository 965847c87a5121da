package pyscan

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-hq/bifrost/common/apperr"
)

const sampleSource = `import os

from platform_sdk import workflow, tool


@workflow(id="8d7f7e66-1111-4222-8333-444455556666", name="Sync Invoices", schedule="0 * * * *")
def sync_invoices(customer_id: str, dry_run: bool = False):
    """Pull invoices from the ERP."""
    return customer_id


@tool
def lookup_customer(customer_id: str):
    return {"id": customer_id}


@tool(
    name="Archive Report",
    tags=["reports", "archive"],
)
async def archive_report(report_id: str, retention_days: int = 30):
    pass


def helper():
    # not decorated, never scanned
    pass
`

func TestScanEnumeratesDecorators(t *testing.T) {
	decorators, err := Scan([]byte(sampleSource))
	require.NoError(t, err)
	require.Len(t, decorators, 3)

	wf := decorators[0]
	assert.Equal(t, "workflow", wf.Type)
	assert.Equal(t, "sync_invoices", wf.FunctionName)
	assert.True(t, wf.HasParens)

	name, ok := wf.StringArg("name")
	require.True(t, ok)
	assert.Equal(t, "Sync Invoices", name)

	id, ok := wf.StringArg("id")
	require.True(t, ok)
	assert.Equal(t, "8d7f7e66-1111-4222-8333-444455556666", id)

	bare := decorators[1]
	assert.Equal(t, "tool", bare.Type)
	assert.Equal(t, "lookup_customer", bare.FunctionName)
	assert.False(t, bare.HasParens)
	assert.Empty(t, bare.Args)

	multi := decorators[2]
	assert.Equal(t, "archive_report", multi.FunctionName)
	assert.Equal(t, []string{"reports", "archive"}, multi.ListArg("tags"))
}

func TestScanParsesSignatureParams(t *testing.T) {
	decorators, err := Scan([]byte(sampleSource))
	require.NoError(t, err)

	params := decorators[0].Params
	require.Len(t, params, 2)
	assert.Equal(t, "customer_id", params[0].Name)
	assert.Equal(t, "str", params[0].Annotation)
	assert.False(t, params[0].HasDefault)
	assert.Equal(t, "dry_run", params[1].Name)
	assert.True(t, params[1].HasDefault)
}

func TestScanIgnoresForeignDecorators(t *testing.T) {
	src := `@workflow_extra(name="not ours")
def f():
    pass

@staticmethod
def g():
    pass
`
	decorators, err := Scan([]byte(src))
	require.NoError(t, err)
	assert.Empty(t, decorators)
}

func TestScanRejectsUnbalancedDecorator(t *testing.T) {
	src := "@workflow(name=\"broken\"\ndef f():\n    pass\n"
	_, err := Scan([]byte(src))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestScanRejectsDecoratorWithoutFunction(t *testing.T) {
	src := "@workflow(name=\"orphan\")\nx = 1\n"
	_, err := Scan([]byte(src))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestInjectIDsAddsMissingOnly(t *testing.T) {
	counter := 0
	newID := func() string {
		counter++
		return fmt.Sprintf("00000000-0000-4000-8000-%012d", counter)
	}

	out, decorators, changed, err := InjectIDs([]byte(sampleSource), newID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, counter, "only the two decorators without an id get one")

	for _, d := range decorators {
		id, ok := d.StringArg("id")
		assert.True(t, ok, "decorator for %s has an id after injection", d.FunctionName)
		assert.NotEmpty(t, id)
	}

	// The existing id is untouched
	id, _ := decorators[0].StringArg("id")
	assert.Equal(t, "8d7f7e66-1111-4222-8333-444455556666", id)

	// The bare decorator gained parentheses
	assert.Contains(t, string(out), `@tool(id="00000000-0000-4000-8000-000000000001")`)
}

func TestInjectIDsPreservesUntouchedLines(t *testing.T) {
	out, _, changed, err := InjectIDs([]byte(sampleSource), func() string { return uuid.NewString() })
	require.NoError(t, err)
	require.True(t, changed)

	before := strings.Split(sampleSource, "\n")
	after := strings.Split(string(out), "\n")
	require.Equal(t, len(before), len(after), "injection never adds or removes lines")

	diffs := 0
	for i := range before {
		if before[i] != after[i] {
			diffs++
		}
	}
	assert.Equal(t, 2, diffs, "only the two rewritten decorator lines differ")
}

func TestInjectIDsIdempotent(t *testing.T) {
	out, _, changed, err := InjectIDs([]byte(sampleSource), func() string { return uuid.NewString() })
	require.NoError(t, err)
	require.True(t, changed)

	out2, _, changed2, err := InjectIDs(out, func() string { return uuid.NewString() })
	require.NoError(t, err)
	assert.False(t, changed2)
	assert.Equal(t, string(out), string(out2))
}

func TestWritePropertiesUpdatesAndAppends(t *testing.T) {
	out, err := WriteProperties([]byte(sampleSource), "sync_invoices", []Property{
		{Name: "name", Value: "Sync Invoices v2"},
		{Name: "endpoint_enabled", Value: true},
	})
	require.NoError(t, err)

	decorators, err := Scan(out)
	require.NoError(t, err)

	wf := decorators[0]
	name, _ := wf.StringArg("name")
	assert.Equal(t, "Sync Invoices v2", name)
	assert.True(t, wf.BoolArg("endpoint_enabled", false))

	// Position preserved: id stays first, name second
	assert.Equal(t, "id", wf.Args[0].Name)
	assert.Equal(t, "name", wf.Args[1].Name)
	assert.Equal(t, "endpoint_enabled", wf.Args[len(wf.Args)-1].Name)

	// schedule untouched
	schedule, ok := wf.StringArg("schedule")
	require.True(t, ok)
	assert.Equal(t, "0 * * * *", schedule)
}

func TestWritePropertiesLeavesOtherFunctionsAlone(t *testing.T) {
	out, err := WriteProperties([]byte(sampleSource), "sync_invoices", []Property{
		{Name: "category", Value: "billing"},
	})
	require.NoError(t, err)

	assert.Contains(t, string(out), "@tool\ndef lookup_customer")
	assert.Contains(t, string(out), `tags=["reports", "archive"]`)
	assert.Contains(t, string(out), "def helper():")
}

func TestWritePropertiesUnknownFunction(t *testing.T) {
	_, err := WriteProperties([]byte(sampleSource), "missing", []Property{{Name: "name", Value: "x"}})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestWritePropertiesRoundTrip(t *testing.T) {
	// write then scan yields exactly the written values
	props := []Property{
		{Name: "schedule", Value: nil},
		{Name: "tags", Value: []string{"a", "b"}},
		{Name: "retries", Value: 3},
	}
	out, err := WriteProperties([]byte(sampleSource), "archive_report", props)
	require.NoError(t, err)

	decorators, err := Scan(out)
	require.NoError(t, err)

	var target *Decorator
	for i := range decorators {
		if decorators[i].FunctionName == "archive_report" {
			target = &decorators[i]
		}
	}
	require.NotNil(t, target)

	raw, _ := target.Arg("schedule")
	assert.Equal(t, "None", raw)
	assert.Equal(t, []string{"a", "b"}, target.ListArg("tags"))
	retries, _ := target.Arg("retries")
	assert.Equal(t, "3", retries)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, `"hi"`, FormatValue("hi"))
	assert.Equal(t, `"a\"b"`, FormatValue(`a"b`))
	assert.Equal(t, "True", FormatValue(true))
	assert.Equal(t, "False", FormatValue(false))
	assert.Equal(t, "42", FormatValue(42))
	assert.Equal(t, "42", FormatValue(42.0))
	assert.Equal(t, "2.5", FormatValue(2.5))
	assert.Equal(t, "None", FormatValue(nil))
	assert.Equal(t, `["x", "y"]`, FormatValue([]string{"x", "y"}))
}

func TestParametersSchema(t *testing.T) {
	decorators, err := Scan([]byte(sampleSource))
	require.NoError(t, err)

	schema := ParametersSchema(decorators[2].Params)
	props := schema["properties"].(map[string]interface{})
	assert.Equal(t, "string", props["report_id"].(map[string]interface{})["type"])
	assert.Equal(t, "integer", props["retention_days"].(map[string]interface{})["type"])
	assert.Equal(t, []string{"report_id"}, schema["required"])
}
