package checker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

const nested = `{"status":"success","total_checks":2,"results":[{"check_id":"1.1","status":"pass","details":{"a":[1,{"b":"}"}]}},{"check_id":"1.2","status":"fail","title":"say \"{hi}\""}],"summary":{"passed":1,"failed":1}}`

func TestExtractPayloadWithNoise(t *testing.T) {
	inputs := map[string]string{
		"ansi around":    "\x1b[1;32mINFO\x1b[0m starting\n\x1b]0;title\x07progress 10%\r\n" + nested + "\n\x1b[2Kdone\n",
		"object only":    nested,
		"trailing noise": "log a\nlog b {\n" + nested + "\ntrailing } noise\n",
		"log json first": "{\"level\":\"info\",\"msg\":\"boot\"}\n" + nested + "\n",
		"control chars":  "\x00\x07boot\n" + nested + "\x1b[0m\n",
		"last line":      "noise\n  " + nested + "  \nbye",
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			ex := ExtractPayload([]byte(in))
			r.True(ex.Found, ex.Error)
			r.False(ex.Implicit)
			got, err := json.Marshal(ex.Object)
			r.NoError(err)
			r.JSONEq(nested, string(got))
		})
	}
}

func TestExtractPayloadBareArray(t *testing.T) {
	r := require.New(t)
	ex := ExtractPayload([]byte("\x1b[33mwarn\x1b[0m\n[{\"check_id\":\"a\",\"status\":\"pass\"},{\"check_id\":\"b\",\"status\":\"fail\"}]\n"))
	r.True(ex.Found)
	r.True(ex.Implicit)
	r.Len(ex.Results, 2)

	res, err := Interpret(ex, 0)
	r.NoError(err)
	r.Equal("success", res.Status)
	r.Equal(2, res.TotalChecks)
	r.True(res.Implicit)

	res, err = Interpret(ex, 2)
	r.NoError(err)
	r.Len(res.Results, 2)

	_, err = Interpret(ex, 10)
	var failed *domain.ExecutionFailedError
	r.ErrorAs(err, &failed)
	r.Contains(failed.Msg, "partial results")
}

func TestExtractPayloadNothingFound(t *testing.T) {
	r := require.New(t)
	for _, in := range []string{"", "just text\nmore text", "{ unbalanced\n", "[1,2,3]"} {
		ex := ExtractPayload([]byte(in))
		r.False(ex.Found)
		r.Equal("no JSON payload found", ex.Error)
	}

	_, err := Interpret(ExtractPayload([]byte("nothing")), 0)
	var failed *domain.ExecutionFailedError
	r.ErrorAs(err, &failed)
}

func TestInterpretEnvelope(t *testing.T) {
	r := require.New(t)

	res, err := Interpret(ExtractPayload([]byte(nested)), 0)
	r.NoError(err)
	r.Equal("success", res.Status)
	r.Len(res.Results, 2)
	r.Equal(2, res.TotalChecks)

	_, err = Interpret(ExtractPayload([]byte(`{"status":"error","error":"invalid credentials"}`)), 0)
	var failed *domain.ExecutionFailedError
	r.ErrorAs(err, &failed)
	r.Equal("invalid credentials", failed.Msg)

	res, err = Interpret(ExtractPayload([]byte(`{"status":"COMPLETED","results":[]}`)), 0)
	r.NoError(err)
	r.Empty(res.Results)
}

func TestStripControl(t *testing.T) {
	r := require.New(t)
	r.Equal("red\tok\n", StripControl("\x1b[31mred\x1b[0m\tok\x1bM\x08\n"))
	r.Equal("title gone", StripControl("\x1b]2;window\x1b\\title gone"))
}

func TestExtractPayloadKeepsLargeIntegers(t *testing.T) {
	r := require.New(t)
	payload := `{"status":"success","total_checks":1,"results":[{"check_id":"1.1","status":"pass","details":{"resource_id":123456789012345678901,"acct":9007199254740993,"ratio":0.25}}]}`
	ex := ExtractPayload([]byte("\x1b[32mdone\x1b[0m\n" + payload + "\n"))
	r.True(ex.Found)

	got, err := json.Marshal(ex.Object)
	r.NoError(err)
	r.JSONEq(payload, string(got))
	r.Contains(string(got), "9007199254740993")
	r.Contains(string(got), "123456789012345678901")

	res, err := Interpret(ex, 0)
	r.NoError(err)
	r.Equal(1, res.TotalChecks)

	row := domain.MapResult(res.Results[0], 1, time.Now())
	r.Equal(`{"acct":9007199254740993,"ratio":0.25,"resource_id":123456789012345678901}`, string(row.Details))
}
