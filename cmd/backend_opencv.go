//go:build !nogocv

package main

import (
	"github.com/sells-group/trapscan/internal/classifier"
	"github.com/sells-group/trapscan/internal/classifier/opencv"
)

func init() {
	backends[classifier.BackendOpenCV] = opencv.Open
}
