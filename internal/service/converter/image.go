package converter

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"os"
	"strconv"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/service/file"
)

// TextImageConfig 文本转图片配置
type TextImageConfig struct {
	Storage  file.Storage
	Width    int
	Height   int
	FontPath string  // 为空时使用内置点阵字体
	FontSize float64 // 仅 TTF 生效
	Padding  float64
}

// TextImageConverter 将文本渲染为 PNG，输出为存储路径
type TextImageConverter struct {
	id      model.Identifier
	storage file.Storage
	width   int
	height  int
	padding float64
	face    font.Face
}

// NewTextImage 创建文本转图片转换器
func NewTextImage(cfg *TextImageConfig) (*TextImageConverter, error) {
	if cfg == nil || cfg.Storage == nil {
		return nil, apperr.BadRequest("text image converter", "storage is required")
	}
	c := &TextImageConverter{
		storage: cfg.Storage,
		width:   cfg.Width,
		height:  cfg.Height,
		padding: cfg.Padding,
		face:    basicfont.Face7x13,
	}
	if c.width <= 0 {
		c.width = 800
	}
	if c.height <= 0 {
		c.height = 400
	}
	if c.padding <= 0 {
		c.padding = 20
	}
	if cfg.FontPath != "" {
		size := cfg.FontSize
		if size <= 0 {
			size = 18
		}
		face, err := loadFontFace(cfg.FontPath, size)
		if err != nil {
			return nil, apperr.BadRequest("text image converter", "%v", err)
		}
		c.face = face
	}
	c.id = model.NewIdentifier("TextImageConverter", "converter").
		With("size", strconv.Itoa(c.width)+"x"+strconv.Itoa(c.height))
	return c, nil
}

func (c *TextImageConverter) Identifier() model.Identifier { return c.id }

func (c *TextImageConverter) InputSupported(t model.PromptDataType) bool {
	return t == model.DataTypeText
}

func (c *TextImageConverter) OutputSupported(t model.PromptDataType) bool {
	return t == model.DataTypeImagePath
}

// Convert 白底黑字，按宽度自动换行
func (c *TextImageConverter) Convert(ctx context.Context, value string, inputType model.PromptDataType) (*Result, error) {
	if err := checkInput(c, inputType); err != nil {
		return nil, err
	}

	dc := gg.NewContext(c.width, c.height)
	dc.SetColor(color.White)
	dc.Clear()
	dc.SetColor(color.Black)
	dc.SetFontFace(c.face)
	dc.DrawStringWrapped(value, c.padding, c.padding, 0, 0, float64(c.width)-2*c.padding, 1.4, gg.AlignLeft)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}

	path, err := c.storage.Save(ctx, &file.SaveRequest{
		FileName:    "prompt.png",
		ContentType: "image/png",
		Size:        int64(buf.Len()),
		Reader:      &buf,
		Namespace:   string(model.DataTypeImagePath),
	})
	if err != nil {
		return nil, apperr.Storage("text image converter", err)
	}
	return &Result{OutputText: path, OutputType: model.DataTypeImagePath}, nil
}

func loadFontFace(fontPath string, size float64) (font.Face, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read font file: %w", err)
	}
	parsed, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TTF: %w", err)
	}
	return truetype.NewFace(parsed, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	}), nil
}
