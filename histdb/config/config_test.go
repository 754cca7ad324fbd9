package config

import (
	"os"
	"path/filepath"
	"testing"

	internal "github.com/ZanzyTHEbar/histdb/histdb"
	"github.com/ZanzyTHEbar/histdb/histdb/cell"
	"github.com/ZanzyTHEbar/histdb/histdb/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	suite.tempDir = suite.T().TempDir()
	require.NoError(suite.T(), os.Chdir(suite.tempDir))
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		os.Chdir(suite.origDir)
	}
}

func (suite *ConfigTestSuite) writeConfig(name, content string) string {
	path := filepath.Join(suite.tempDir, name)
	require.NoError(suite.T(), os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), internal.DefaultGridZoom, cfg.Grid.Zoom)
	assert.Equal(suite.T(), internal.DefaultDatabaseDSN, cfg.Database.DSN)
	assert.Equal(suite.T(), internal.DefaultDatabaseType, cfg.Database.Type)
	assert.GreaterOrEqual(suite.T(), cfg.Build.Workers, 1)
	assert.LessOrEqual(suite.T(), cfg.Build.Workers, internal.DefaultBuildWorkers)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	path := suite.writeConfig("config.yaml", `
build:
  workers: 3
grid:
  zoom: 14
database:
  dsn: "file:cells.db"
  type: "libsql"
`)
	cfg, err := LoadConfig(path)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), 3, cfg.Build.Workers)
	assert.Equal(suite.T(), 14, cfg.Grid.Zoom)
	assert.Equal(suite.T(), "file:cells.db", cfg.Database.DSN)
}

func (suite *ConfigTestSuite) TestLoadConfigFromWorkingDirectory() {
	suite.writeConfig("config.yaml", "grid:\n  zoom: 9\n")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 9, cfg.Grid.Zoom)
}

func (suite *ConfigTestSuite) TestEnvironmentOverridesFile() {
	path := suite.writeConfig("config.yaml", "build:\n  workers: 3\n")
	suite.T().Setenv("BUILD_WORKERS", "5")
	suite.T().Setenv("GRID_ZOOM", "10")

	cfg, err := LoadConfig(path)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 5, cfg.Build.Workers)
	assert.Equal(suite.T(), 10, cfg.Grid.Zoom)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	path := suite.writeConfig("malformed.yaml", `
grid:
  zoom: 12
  invalid_yaml: [unclosed bracket
`)
	cfg, err := LoadConfig(path)
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigRejectsInvalidValues() {
	for name, content := range map[string]string{
		"zero workers":     "build:\n  workers: 0\n",
		"zoom too deep":    "grid:\n  zoom: 30\n",
		"unknown database": "database:\n  type: postgres\n",
	} {
		suite.Run(name, func() {
			cfg, err := LoadConfig(suite.writeConfig("config.yaml", content))
			assert.ErrorIs(suite.T(), err, ErrInvalidConfig)
			assert.Nil(suite.T(), cfg)
		})
	}
}

func TestGridKeyFor(t *testing.T) {
	g := GridConfig{Zoom: 12}
	assert.Equal(t, cell.Key{Zoom: 12, X: 2200, Y: 1343}, g.KeyFor(entity.CoordFromDegrees(13.4, 52.5)))
}

func BenchmarkLoadConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if _, err := LoadConfig(""); err != nil {
			b.Fatal(err)
		}
	}
}
