package logger

import (
	"bytes"
	"log/slog"
	"os"
	"regexp"
	"testing"

	"github.com/badger-os/vfscore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	textTraceString   = `^time="[a-zA-Z0-9/:. ]{26}" severity=TRACE message="TestLogs: www.traceExample.com"`
	textDebugString   = `^time="[a-zA-Z0-9/:. ]{26}" severity=DEBUG message="TestLogs: www.debugExample.com"`
	textInfoString    = `^time="[a-zA-Z0-9/:. ]{26}" severity=INFO message="TestLogs: www.infoExample.com"`
	textWarningString = `^time="[a-zA-Z0-9/:. ]{26}" severity=WARNING message="TestLogs: www.warningExample.com"`
	textErrorString   = `^time="[a-zA-Z0-9/:. ]{26}" severity=ERROR message="TestLogs: www.errorExample.com"`

	jsonTraceString   = `^{"timestamp":{"seconds":\d{10},"nanos":\d{0,9}},"severity":"TRACE","message":"TestLogs: www.traceExample.com"}`
	jsonDebugString   = `^{"timestamp":{"seconds":\d{10},"nanos":\d{0,9}},"severity":"DEBUG","message":"TestLogs: www.debugExample.com"}`
	jsonInfoString    = `^{"timestamp":{"seconds":\d{10},"nanos":\d{0,9}},"severity":"INFO","message":"TestLogs: www.infoExample.com"}`
	jsonWarningString = `^{"timestamp":{"seconds":\d{10},"nanos":\d{0,9}},"severity":"WARNING","message":"TestLogs: www.warningExample.com"}`
	jsonErrorString   = `^{"timestamp":{"seconds":\d{10},"nanos":\d{0,9}},"severity":"ERROR","message":"TestLogs: www.errorExample.com"}`
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

func redirectLogsToGivenBuffer(buf *bytes.Buffer, level string) {
	var programLevel = new(slog.LevelVar)
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(buf, programLevel, "TestLogs: "),
	)
	setLoggingLevel(level, programLevel)
}

func fetchLogOutputForSpecifiedSeverityLevel(level string, functions []func()) []string {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, level)

	var output []string
	for _, f := range functions {
		f()
		output = append(output, buf.String())
		buf.Reset()
	}
	return output
}

func getTestLoggingFunctions() []func() {
	return []func(){
		func() { Tracef("www.traceExample.com") },
		func() { Debugf("www.debugExample.com") },
		func() { Infof("www.infoExample.com") },
		func() { Warnf("www.warningExample.com") },
		func() { Errorf("www.errorExample.com") },
	}
}

func validateOutput(t *testing.T, expected []string, output []string) {
	for i := range output {
		if expected[i] == "" {
			assert.Equal(t, expected[i], output[i])
		} else {
			expectedRegexp := regexp.MustCompile(expected[i])
			assert.True(t, expectedRegexp.MatchString(output[i]))
		}
	}
}

func validateLogOutputAtSpecifiedFormatAndSeverity(t *testing.T, format string, level string, expectedOutput []string) {
	defaultLoggerFactory.format = format

	output := fetchLogOutputForSpecifiedSeverityLevel(level, getTestLoggingFunctions())

	validateOutput(t, expectedOutput, output)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelOFF() {
	var expected = []string{"", "", "", "", ""}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", string(config.OFF), expected)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelERROR() {
	var expected = []string{"", "", "", "", textErrorString}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", string(config.ERROR), expected)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelWARNING() {
	var expected = []string{"", "", "", textWarningString, textErrorString}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", string(config.WARNING), expected)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelINFO() {
	var expected = []string{"", "", textInfoString, textWarningString, textErrorString}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", string(config.INFO), expected)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelDEBUG() {
	var expected = []string{"", textDebugString, textInfoString, textWarningString, textErrorString}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", string(config.DEBUG), expected)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelTRACE() {
	var expected = []string{textTraceString, textDebugString, textInfoString, textWarningString, textErrorString}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", string(config.TRACE), expected)
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelOFF() {
	var expected = []string{"", "", "", "", ""}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", string(config.OFF), expected)
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelERROR() {
	var expected = []string{"", "", "", "", jsonErrorString}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", string(config.ERROR), expected)
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelWARNING() {
	var expected = []string{"", "", "", jsonWarningString, jsonErrorString}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", string(config.WARNING), expected)
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelINFO() {
	var expected = []string{"", "", jsonInfoString, jsonWarningString, jsonErrorString}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", string(config.INFO), expected)
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelDEBUG() {
	var expected = []string{"", jsonDebugString, jsonInfoString, jsonWarningString, jsonErrorString}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", string(config.DEBUG), expected)
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelTRACE() {
	var expected = []string{jsonTraceString, jsonDebugString, jsonInfoString, jsonWarningString, jsonErrorString}
	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", string(config.TRACE), expected)
}

func (t *LoggerTest) TestSetLoggingLevel() {
	testData := []struct {
		inputLevel           string
		programLevel         *slog.LevelVar
		expectedProgramLevel slog.Level
	}{
		{string(config.TRACE), new(slog.LevelVar), LevelTrace},
		{string(config.DEBUG), new(slog.LevelVar), LevelDebug},
		{string(config.WARNING), new(slog.LevelVar), LevelWarn},
		{string(config.ERROR), new(slog.LevelVar), LevelError},
		{string(config.OFF), new(slog.LevelVar), LevelOff},
	}

	for _, test := range testData {
		setLoggingLevel(test.inputLevel, test.programLevel)
		assert.Equal(t.T(), test.expectedProgramLevel, test.programLevel.Level())
	}
}

func (t *LoggerTest) TestInitLogFile() {
	format := "text"
	home, _ := os.UserHomeDir()
	filePath := home + "/log.txt"
	defer os.Remove(filePath)

	logCfg := config.LogConfig{
		File:     filePath,
		Severity: config.DEBUG,
		Format:   format,
		LogRotateConfig: config.LogRotateConfig{
			MaxFileSizeMB:   100,
			BackupFileCount: 2,
			Compress:        true,
		},
	}

	err := InitLogFile(logCfg.LogRotateConfig, logCfg)

	assert.NoError(t.T(), err)
	assert.Equal(t.T(), filePath, defaultLoggerFactory.file.Name())
	assert.Nil(t.T(), defaultLoggerFactory.sysWriter)
	assert.Equal(t.T(), format, defaultLoggerFactory.format)
	assert.Equal(t.T(), config.DEBUG, defaultLoggerFactory.level)
	assert.Equal(t.T(), 100, defaultLoggerFactory.logRotateConfig.MaxFileSizeMB)
	assert.Equal(t.T(), 2, defaultLoggerFactory.logRotateConfig.BackupFileCount)
	assert.True(t.T(), defaultLoggerFactory.logRotateConfig.Compress)
}

func (t *LoggerTest) TestSetLogFormatToText() {
	defaultLoggerFactory = &loggerFactory{
		format: "",
		level:  config.INFO,
	}

	testData := []struct {
		format         string
		expectedOutput string
	}{
		{"text", textInfoString},
		{"json", jsonInfoString},
		{"", jsonInfoString},
	}

	for _, test := range testData {
		SetLogFormat(test.format)

		assert.NotNil(t.T(), defaultLoggerFactory)
		assert.NotNil(t.T(), defaultLogger)
		assert.Equal(t.T(), test.format, defaultLoggerFactory.format)

		var buf bytes.Buffer
		redirectLogsToGivenBuffer(&buf, string(defaultLoggerFactory.level))
		Infof("www.infoExample.com")
		output := buf.String()
		expectedRegexp := regexp.MustCompile(test.expectedOutput)
		assert.True(t.T(), expectedRegexp.MatchString(output))
	}
}
