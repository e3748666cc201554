package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceArgv(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want []string
	}{
		{"status", Status("/s/newmonox.py", "192.168.4.2"), []string{"/s/newmonox.py", "-i", "192.168.4.2", "-c", "getstatus"}},
		{"stop", Stop("m.py", "10.0.0.1"), []string{"m.py", "-i", "10.0.0.1", "-c", "gostop,end"}},
		{"print", Print("m.py", "10.0.0.1", "61.pwmb"), []string{"m.py", "-i", "10.0.0.1", "-c", "goprint,61.pwmb,end"}},
		{"port", Pause("m.py", "10.0.0.1").WithPort(6000), []string{"m.py", "-i", "10.0.0.1", "-c", "gopause", "-p", "6000"}},
		{"print manager", MultiMaterial("pm.py", "/cfg/recipe.txt", "10.0.0.1"), []string{"pm.py", "--recipe", "/cfg/recipe.txt", "--printer-ip", "10.0.0.1"}},
		{"pump", Pump("pump.py", PumpRun{Motor: "B", Direction: Reverse, Seconds: 12}), []string{"pump.py", "--motor", "B", "--direction", "R", "--seconds", "12"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.Argv())
			assert.NoError(t, tt.cmd.Validate())
		})
	}
}

func TestCommandIsImmutable(t *testing.T) {
	args := []string{"a"}
	c := Device("s.py", "1.2.3.4", "goprint", args...)
	args[0] = "mutated"
	assert.Equal(t, "goprint,a", c.Payload())

	c2 := c.WithPort(1)
	assert.Zero(t, c.Port)
	assert.Equal(t, 1, c2.Port)
}

func TestIsStatus(t *testing.T) {
	assert.True(t, Status("s", "a").IsStatus())
	assert.False(t, Pause("s", "a").IsStatus())
	assert.False(t, Script("s", "--verb", "getstatus").IsStatus())
}

func TestValidate(t *testing.T) {
	assert.ErrorContains(t, Device("", "a", "getstatus").Validate(), "script")
	assert.ErrorContains(t, Device("s", "", "getstatus").Validate(), "address")
	assert.ErrorContains(t, Device("s", "a", "").Validate(), "verb")
	assert.ErrorContains(t, Device("s", "a", "go,print").Validate(), "verb")
	assert.ErrorContains(t, Device("s", "a", "goprint", "x,y").Validate(), "argument")
	assert.NoError(t, Script("pm.py").Validate())
}

func TestLineQuotes(t *testing.T) {
	c := Print("/opt/my scripts/m.py", "10.0.0.1", "a.pwmb")
	assert.Equal(t, `python3 "/opt/my scripts/m.py" -i 10.0.0.1 -c goprint,a.pwmb,end`, c.Line("python3"))
	assert.Equal(t, "print_manager.py", MultiMaterial("/x/print_manager.py", "r", "a").Name())
	assert.Equal(t, "gopause", Pause("s", "a").Name())
}

func TestParseFileList(t *testing.T) {
	out := "getfile\n0.pwmb:benchy.pwmb\n 1.pwmb : cube test.pwmb \nend\n:orphan\nbad line:\n"
	files := ParseFileList(out)
	require.Len(t, files, 2)
	assert.Equal(t, File{Internal: "0.pwmb", Name: "benchy.pwmb"}, files[0])
	assert.Equal(t, File{Internal: "1.pwmb", Name: "cube test.pwmb"}, files[1])
	assert.Empty(t, ParseFileList(""))
}

func TestParsePumpRun(t *testing.T) {
	run, err := ParsePumpRun(" a , f , 5 ")
	require.NoError(t, err)
	assert.Equal(t, PumpRun{Motor: "A", Direction: Forward, Seconds: 5}, run)

	bad := map[string]string{
		"A,F":       "expected Motor,Direction,Timing",
		"E,F,5":     "invalid motor",
		"A,X,5":     "invalid direction",
		"A,F,soon":  "invalid timing",
		"A,F,0":     "invalid timing",
		"A,F,301":   "invalid timing",
		"A,F,5,end": "expected Motor,Direction,Timing",
	}
	for in, msg := range bad {
		_, err := ParsePumpRun(in)
		assert.ErrorContains(t, err, msg, in)
	}
}
