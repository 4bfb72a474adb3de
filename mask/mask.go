// Package mask loads mask definitions and keeps the active mask available to
// the render goroutine while new masks are loaded in the background.
package mask

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gocv.io/x/gocv"
	"gopkg.in/yaml.v3"

	"facemask/face"
)

var ErrNoMasks = errors.New("no mask definitions found")

// Extensions lists the mask definition file types, checked case-insensitively.
var Extensions = []string{".yaml", ".yml", ".json"}

// Offset is a landmark displacement as a fraction of face width.
type Offset struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// Definition is the on-disk description of a mask. JSON definitions are read
// with the same decoder.
type Definition struct {
	Name string `yaml:"name"`

	// Texture is an image path, relative to the definition file.
	Texture string `yaml:"texture"`
	// Color fills the mesh when no texture is set, as [R, G, B].
	Color   [3]uint8 `yaml:"color"`
	Opacity float64  `yaml:"opacity"`

	// Scale grows the mask around the face center. OffsetY shifts it by a
	// fraction of the face height.
	Scale   float64 `yaml:"scale"`
	OffsetY float64 `yaml:"offset_y"`

	// Morph maps landmark names to displacements.
	Morph map[string]Offset `yaml:"morph"`
}

var landmarkNames = map[string]int{
	"left_eye":    face.LeftEye,
	"right_eye":   face.RightEye,
	"nose":        face.Nose,
	"mouth_left":  face.MouthLeft,
	"mouth_right": face.MouthRight,
}

// Data is a loaded mask. It is owned by exactly one holder at a time and must
// be closed by that holder.
type Data struct {
	Definition
	Path string

	texture    gocv.Mat
	hasTexture bool
	morph      face.MorphData
}

func parseDefinition(path string) (*Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def := &Definition{
		Opacity: 1,
		Scale:   1,
	}
	if err := yaml.Unmarshal(b, def); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if def.Opacity < 0 || def.Opacity > 1 {
		return nil, fmt.Errorf("%s: opacity %v out of range [0, 1]", path, def.Opacity)
	}
	if def.Scale <= 0 {
		return nil, fmt.Errorf("%s: scale must be positive", path)
	}
	return def, nil
}

// New builds mask data from an in-memory definition without a texture.
func New(def Definition) (*Data, error) {
	d := &Data{Definition: def}
	if err := d.buildMorph(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Data) buildMorph() error {
	d.morph = face.MorphData{}
	for name, off := range d.Morph {
		i, ok := landmarkNames[name]
		if !ok {
			return fmt.Errorf("mask %q: unknown landmark %q", d.Name, name)
		}
		d.morph.Offsets[i] = face.Vec2{X: off.X, Y: off.Y}
		d.morph.Valid = true
	}
	return nil
}

// Load reads a mask definition and its texture.
func Load(path string) (*Data, error) {
	def, err := parseDefinition(path)
	if err != nil {
		return nil, err
	}
	d, err := New(*def)
	if err != nil {
		return nil, err
	}
	d.Path = path

	if def.Texture != "" {
		tp := def.Texture
		if !filepath.IsAbs(tp) {
			tp = filepath.Join(filepath.Dir(path), tp)
		}
		m := gocv.IMRead(tp, gocv.IMReadColor)
		if m.Empty() {
			m.Close()
			return nil, fmt.Errorf("mask %q: failed to read texture %s", d.Name, tp)
		}
		d.texture = m
		d.hasTexture = true
	}
	return d, nil
}

// LoadFolder loads every mask definition in dir, ordered by file name. It
// fails if any definition fails, releasing what was already loaded.
func LoadFolder(dir string) ([]*Data, error) {
	paths, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoMasks)
	}

	masks := make([]*Data, 0, len(paths))
	for _, p := range paths {
		d, err := Load(p)
		if err != nil {
			for _, m := range masks {
				m.Close()
			}
			return nil, err
		}
		masks = append(masks, d)
	}
	return masks, nil
}

// List returns the paths of the mask definitions in dir, ordered by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isDefinition(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func isDefinition(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Texture returns the mask image, if any. The Mat is only valid while the
// caller holds the mask, i.e. inside Loader.With.
func (d *Data) Texture() (gocv.Mat, bool) {
	return d.texture, d.hasTexture
}

func (d *Data) FillColor() color.RGBA {
	return color.RGBA{R: d.Color[0], G: d.Color[1], B: d.Color[2], A: 255}
}

// MorphData returns the deformation this mask applies to the face mesh.
func (d *Data) MorphData() face.MorphData {
	return d.morph
}

func (d *Data) Close() {
	if d == nil {
		return
	}
	if d.hasTexture {
		d.texture.Close()
		d.hasTexture = false
	}
}
