package model

import "strings"

// COCONames are the class labels of the pretrained YOLO checkpoints, indexed by class id.
var COCONames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog",
	"horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella",
	"handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite",
	"baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket", "bottle",
	"wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch", "potted plant",
	"bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote", "keyboard", "cell phone",
	"microwave", "oven", "toaster", "sink", "refrigerator", "book", "clock", "vase", "scissors",
	"teddy bear", "hair drier", "toothbrush",
}

// NamesFromList turns an ordered label list into a class id mapping.
func NamesFromList(labels []string) map[int]string {
	names := make(map[int]string, len(labels))
	for i, label := range labels {
		names[i] = label
	}
	return names
}

// ClassIndex inverts a names mapping, keyed by lower-cased label.
func ClassIndex(names map[int]string) map[string]int {
	index := make(map[string]int, len(names))
	for id, label := range names {
		index[strings.ToLower(label)] = id
	}
	return index
}
