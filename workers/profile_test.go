package workers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfilesCoverAllThreeLanguages(t *testing.T) {
	for _, tag := range []LanguageTag{Python, TypeScript, Vue} {
		profile, ok := Profiles[tag]
		require.True(t, ok, "missing profile for %s", tag)
		assert.Equal(t, tag, profile.Tag)
		assert.NotEmpty(t, profile.Extensions)
		assert.NotEmpty(t, profile.LanguageID)
		assert.NotNil(t, profile.Spawn)
	}
}

func TestVueProfileHasTsserverBridge(t *testing.T) {
	profile := Profiles[Vue]
	assert.True(t, profile.TsserverUse)
	require.NotNil(t, profile.SpawnTsserver)

	cmd := profile.SpawnTsserver(false)
	assert.NotEmpty(t, cmd.Command)
}

func TestPythonAndTypeScriptProfilesDoNotBridgeTsserver(t *testing.T) {
	assert.False(t, Profiles[Python].TsserverUse)
	assert.Nil(t, Profiles[Python].SpawnTsserver)
	assert.False(t, Profiles[TypeScript].TsserverUse)
	assert.Nil(t, Profiles[TypeScript].SpawnTsserver)
}

func TestPythonSpawnHonorsProvider(t *testing.T) {
	profile := Profiles[Python]

	pylsp := profile.Spawn(false, ProviderPythonLSP)
	assert.Equal(t, "uvx", pylsp.Command)

	pyright := profile.Spawn(false, ProviderPyright)
	assert.Equal(t, "npx", pyright.Command)
	assert.Contains(t, pyright.Args, "pyright-langserver")
}

func TestSpawnAutoUpdateSelectsLatestVariant(t *testing.T) {
	profile := Profiles[TypeScript]

	pinned := profile.Spawn(false, "")
	latest := profile.Spawn(true, "")

	assert.NotEqual(t, pinned.Args, latest.Args)
	found := false
	for _, a := range latest.Args {
		if a == "typescript-language-server@latest" {
			found = true
		}
	}
	assert.True(t, found, "auto-update spawn should pin the @latest package")
}

func TestExtensionLanguageRoutesEveryProfileExtension(t *testing.T) {
	for tag, profile := range Profiles {
		for _, ext := range profile.Extensions {
			got, ok := ExtensionLanguage[ext]
			require.True(t, ok, "extension %s not routed", ext)
			assert.Equal(t, tag, got)
		}
	}
}

func TestExtensionLanguageHasNoCrossLanguageCollisions(t *testing.T) {
	seen := make(map[string]LanguageTag)
	for tag, profile := range Profiles {
		for _, ext := range profile.Extensions {
			if prior, ok := seen[ext]; ok {
				t.Fatalf("extension %s claimed by both %s and %s", ext, prior, tag)
			}
			seen[ext] = tag
		}
	}
}
