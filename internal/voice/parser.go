// Package voice turns staff voice transcripts into additive stock corrections and
// holds them until a human confirms.
package voice

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

var (
	ErrNoQuantity  = errors.New("no quantity found in transcript")
	ErrNoDish      = errors.New("no dish found in transcript")
	ErrSubtractive = errors.New("only additive corrections are accepted")
)

// Command is what a transcript asks for
type Command struct {
	DishFragment string `json:"dish"`
	Quantity     int    `json:"quantity"`
}

// Parser extracts a Command from free text
type Parser interface {
	Parse(ctx context.Context, transcript string) (*Command, error)
}

var units = map[string]int{
	"un": 1, "uno": 1, "una": 1, "one": 1, "a": 1,
	"dos": 2, "two": 2,
	"tres": 3, "three": 3,
	"cuatro": 4, "four": 4,
	"cinco": 5, "five": 5,
	"seis": 6, "six": 6,
	"siete": 7, "seven": 7,
	"ocho": 8, "eight": 8,
	"nueve": 9, "nine": 9,
	"diez": 10, "ten": 10,
	"once": 11, "eleven": 11,
	"doce": 12, "twelve": 12,
	"trece": 13, "thirteen": 13,
	"catorce": 14, "fourteen": 14,
	"quince": 15, "fifteen": 15,
	"dieciseis": 16, "sixteen": 16,
	"diecisiete": 17, "seventeen": 17,
	"dieciocho": 18, "eighteen": 18,
	"diecinueve": 19, "nineteen": 19,
	"veinte": 20, "twenty": 20,
	"veintiuno": 21, "veintidos": 22, "veintitres": 23, "veinticuatro": 24,
	"veinticinco": 25, "veintiseis": 26, "veintisiete": 27, "veintiocho": 28, "veintinueve": 29,
}

var tens = map[string]int{
	"veinte": 20, "twenty": 20,
	"treinta": 30, "thirty": 30,
	"cuarenta": 40, "forty": 40,
	"cincuenta": 50, "fifty": 50,
}

var subtractive = map[string]bool{
	"quita": true, "quitar": true, "resta": true, "restar": true, "menos": true,
	"elimina": true, "eliminar": true, "remove": true, "minus": true, "subtract": true, "take": true,
}

var fillers = map[string]bool{
	"anade": true, "anadir": true, "anademe": true, "agrega": true, "agregar": true, "suma": true,
	"sumar": true, "pon": true, "poner": true, "mete": true, "meter": true, "hay": true,
	"tenemos": true, "add": true, "put": true, "plus": true, "mas": true, "more": true,
	"de": true, "del": true, "al": true, "el": true, "la": true, "los": true, "las": true,
	"raciones": true, "racion": true, "porciones": true, "porcion": true, "platos": true,
	"plato": true, "unidades": true, "unidad": true, "menus": true, "menu": true, "para": true,
	"of": true, "the": true, "to": true, "portions": true, "portion": true, "servings": true,
	"serving": true, "units": true, "unit": true, "extra": true, "por": true, "favor": true,
	"please": true, "y": true, "and": true, "a": true, "en": true,
}

// RuleParser understands short Spanish and English commands such as
// "añade 5 raciones de lentejas" or "add three more paella".
type RuleParser struct{}

func (RuleParser) Parse(ctx context.Context, transcript string) (*Command, error) {
	words := tokens(transcript)

	for _, w := range words {
		if subtractive[w] {
			return nil, ErrSubtractive
		}
	}

	qty, start, end := findQuantity(words)
	if start < 0 {
		return nil, ErrNoQuantity
	}
	if qty <= 0 {
		return nil, ErrNoQuantity
	}

	dish := dishWords(words[end:])
	if len(dish) == 0 {
		dish = dishWords(words[:start])
	}
	if len(dish) == 0 {
		return nil, ErrNoDish
	}

	return &Command{DishFragment: strings.Join(dish, " "), Quantity: qty}, nil
}

// findQuantity returns the first number in words and the [start, end) span it occupies.
// Digits win over number words so "add 2 a la carta" does not read "a" as one.
func findQuantity(words []string) (int, int, int) {
	for i, w := range words {
		if n, err := strconv.Atoi(w); err == nil {
			return n, i, i + 1
		}
	}
	for i, w := range words {
		if t, ok := tens[w]; ok {
			// "treinta y dos", "twenty five"
			j := i + 1
			if j < len(words) && (words[j] == "y" || words[j] == "and") {
				j++
			}
			if j < len(words) {
				if u, ok := units[words[j]]; ok && u < 10 && words[j] != "a" {
					return t + u, i, j + 1
				}
			}
			return t, i, i + 1
		}
		if u, ok := units[w]; ok && w != "a" {
			return u, i, i + 1
		}
	}
	return 0, -1, -1
}

func dishWords(words []string) []string {
	var out []string
	for _, w := range words {
		if fillers[w] {
			continue
		}
		if _, ok := units[w]; ok && w != "a" {
			continue
		}
		out = append(out, w)
	}
	return out
}
