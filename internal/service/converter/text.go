package converter

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

// NoOpConverter 原样返回，支持所有类型
type NoOpConverter struct {
	id model.Identifier
}

// NewNoOp 创建空转换器
func NewNoOp() *NoOpConverter {
	return &NoOpConverter{id: model.NewIdentifier("NoOpConverter", "converter")}
}

func (c *NoOpConverter) Identifier() model.Identifier { return c.id }

func (c *NoOpConverter) InputSupported(model.PromptDataType) bool { return true }

func (c *NoOpConverter) OutputSupported(model.PromptDataType) bool { return true }

func (c *NoOpConverter) Convert(ctx context.Context, value string, inputType model.PromptDataType) (*Result, error) {
	return &Result{OutputText: value, OutputType: inputType}, nil
}

// NewBase64 base64 标准编码
func NewBase64() Converter {
	return newTextConverter("Base64Converter", func(s string) (string, error) {
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	})
}

// NewROT13 字母循环位移 13
func NewROT13() Converter {
	return newTextConverter("ROT13Converter", func(s string) (string, error) {
		return shiftLetters(s, 13), nil
	})
}

// NewCaesar 凯撒位移，offset 取值 [-25, 25]
func NewCaesar(offset int) (Converter, error) {
	if offset < -25 || offset > 25 {
		return nil, apperr.BadRequest("caesar converter", "offset must be within [-25, 25], got %d", offset)
	}
	c := newTextConverter("CaesarConverter", func(s string) (string, error) {
		return shiftLetters(s, offset), nil
	})
	c.id = c.id.With("offset", strconv.Itoa(offset))
	return c, nil
}

func shiftLetters(s string, offset int) string {
	shift := ((offset % 26) + 26) % 26
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+rune(shift))%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+rune(shift))%26
		default:
			return r
		}
	}, s)
}

// NewAtbash 字母表与数字镜像替换
func NewAtbash() Converter {
	return newTextConverter("AtbashConverter", func(s string) (string, error) {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z':
				return 'z' - (r - 'a')
			case r >= 'A' && r <= 'Z':
				return 'Z' - (r - 'A')
			case r >= '0' && r <= '9':
				return '9' - (r - '0')
			default:
				return r
			}
		}, s), nil
	})
}

var leetTable = map[rune]rune{
	'a': '4', 'A': '4',
	'e': '3', 'E': '3',
	'g': '9', 'G': '9',
	'i': '1', 'I': '1',
	'o': '0', 'O': '0',
	's': '5', 'S': '5',
	't': '7', 'T': '7',
	'z': '2', 'Z': '2',
}

// NewLeetspeak 常见字母替换为数字
func NewLeetspeak() Converter {
	return newTextConverter("LeetspeakConverter", func(s string) (string, error) {
		return strings.Map(func(r rune) rune {
			if sub, ok := leetTable[r]; ok {
				return sub
			}
			return r
		}, s), nil
	})
}

// NewFlip 按字符反转
func NewFlip() Converter {
	return newTextConverter("FlipConverter", func(s string) (string, error) {
		runes := []rune(s)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	})
}

// NewStringJoin 每个单词的字符间插入分隔符，默认 "-"
func NewStringJoin(sep string) Converter {
	if sep == "" {
		sep = "-"
	}
	c := newTextConverter("StringJoinConverter", func(s string) (string, error) {
		words := strings.Split(s, " ")
		for i, w := range words {
			words[i] = joinRunes(w, sep)
		}
		return strings.Join(words, " "), nil
	})
	c.id = c.id.With("join_value", sep)
	return c
}

// NewCharacterSpace 去掉标点后在字符间插入空格
func NewCharacterSpace() Converter {
	return newTextConverter("CharacterSpaceConverter", func(s string) (string, error) {
		stripped := strings.Map(func(r rune) rune {
			if unicode.IsPunct(r) {
				return -1
			}
			return r
		}, s)
		return joinRunes(stripped, " "), nil
	})
}

func joinRunes(s, sep string) string {
	runes := []rune(s)
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}
	return strings.Join(parts, sep)
}

// NewSearchReplace 按正则替换
func NewSearchReplace(pattern, replace string) (Converter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apperr.BadRequest("search replace converter", "invalid pattern %q: %v", pattern, err)
	}
	c := newTextConverter("SearchReplaceConverter", func(s string) (string, error) {
		return re.ReplaceAllString(s, replace), nil
	})
	c.id = c.id.With("pattern", pattern)
	return c, nil
}

// NewSuffix 追加后缀
func NewSuffix(suffix string) Converter {
	return newTextConverter("SuffixAppendConverter", func(s string) (string, error) {
		return s + " " + suffix, nil
	})
}

// morseUnknown 无法编码的字符
const morseUnknown = "........"

var morseTable = map[rune]string{
	'A': ".-", 'B': "-...", 'C': "-.-.", 'D': "-..", 'E': ".", 'F': "..-.",
	'G': "--.", 'H': "....", 'I': "..", 'J': ".---", 'K': "-.-", 'L': ".-..",
	'M': "--", 'N': "-.", 'O': "---", 'P': ".--.", 'Q': "--.-", 'R': ".-.",
	'S': "...", 'T': "-", 'U': "..-", 'V': "...-", 'W': ".--", 'X': "-..-",
	'Y': "-.--", 'Z': "--..",
	'0': "-----", '1': ".----", '2': "..---", '3': "...--", '4': "....-",
	'5': ".....", '6': "-....", '7': "--...", '8': "---..", '9': "----.",
	'.': ".-.-.-", ',': "--..--", '?': "..--..", '\'': ".----.", '!': "-.-.--",
	'/': "-..-.", '(': "-.--.", ')': "-.--.-", '&': ".-...", ':': "---...",
	';': "-.-.-.", '=': "-...-", '+': ".-.-.", '-': "-....-", '_': "..--.-",
	'"': ".-..-.", '$': "...-..-", '@': ".--.-.",
}

// NewMorse 摩尔斯编码，字符间空格分隔，单词间以 "/" 分隔
func NewMorse() Converter {
	return newTextConverter("MorseConverter", func(s string) (string, error) {
		words := strings.Fields(strings.ToUpper(s))
		encoded := make([]string, 0, len(words))
		for _, w := range words {
			letters := make([]string, 0, len(w))
			for _, r := range w {
				code, ok := morseTable[r]
				if !ok {
					code = morseUnknown
				}
				letters = append(letters, code)
			}
			encoded = append(encoded, strings.Join(letters, " "))
		}
		return strings.Join(encoded, " / "), nil
	})
}

// NewBinary 每个字符编码为定宽二进制，bits 取 8、16 或 32
func NewBinary(bits int) (Converter, error) {
	switch bits {
	case 8, 16, 32:
	default:
		return nil, apperr.BadRequest("binary converter", "bits per char must be 8, 16 or 32, got %d", bits)
	}
	c := newTextConverter("BinaryConverter", func(s string) (string, error) {
		parts := make([]string, 0, len(s))
		for _, r := range s {
			if bits < 32 && int64(r) >= int64(1)<<bits {
				return "", apperr.BadRequest("binary converter", "character %q needs more than %d bits", r, bits)
			}
			parts = append(parts, fmt.Sprintf("%0*b", bits, r))
		}
		return strings.Join(parts, " "), nil
	})
	c.id = c.id.With("bits_per_char", strconv.Itoa(bits))
	return c, nil
}

// NewRandomCapitalLetters 随机将 percentage% 的字母改为大写，seed 固定时结果可复现
func NewRandomCapitalLetters(percentage float64, seed int64) (Converter, error) {
	if percentage <= 0 || percentage > 100 {
		return nil, apperr.BadRequest("random capital converter", "percentage must be within (0, 100], got %v", percentage)
	}
	c := newTextConverter("RandomCapitalLettersConverter", func(s string) (string, error) {
		runes := []rune(s)
		var letters []int
		for i, r := range runes {
			if unicode.IsLetter(r) {
				letters = append(letters, i)
			}
		}
		n := int(math.Round(float64(len(letters)) * percentage / 100))
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(letters), func(i, j int) { letters[i], letters[j] = letters[j], letters[i] })
		for _, idx := range letters[:n] {
			runes[idx] = unicode.ToUpper(runes[idx])
		}
		return string(runes), nil
	})
	c.id = c.id.With("percentage", strconv.FormatFloat(percentage, 'f', -1, 64))
	return c, nil
}
