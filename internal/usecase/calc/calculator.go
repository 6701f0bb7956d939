// Package calc считает КБЖУ по формуле Миффлина-Сан Жеора.
package calc

import (
	"errors"
	"fmt"
	"math"
)

// Пол анкеты.
const (
	GenderMale   = "male"
	GenderFemale = "female"
)

// Коэффициенты активности к базовому метаболизму.
var activityCoefficients = map[string]float64{
	"low":       1.2,
	"moderate":  1.375,
	"high":      1.55,
	"very_high": 1.725,
}

// Корректировка калорийности под цель.
var goalAdjustments = map[string]float64{
	"weight_loss": -0.15,
	"maintenance": 0,
	"weight_gain": 0.10,
}

// ErrInvalidInput возвращается при анкете вне допустимых границ.
var ErrInvalidInput = errors.New("некорректные данные анкеты")

// Input — анкета лида для расчёта.
type Input struct {
	Gender   string
	Age      int
	Weight   float64 // кг
	Height   int     // см
	Activity string
	Goal     string
}

// Result — рассчитанные КБЖУ.
type Result struct {
	Calories int
	Proteins int
	Fats     int
	Carbs    int
	BMR      int
}

// Validate проверяет границы анкеты до расчёта.
func (in Input) Validate() error {
	if in.Gender != GenderMale && in.Gender != GenderFemale {
		return fmt.Errorf("%w: пол %q", ErrInvalidInput, in.Gender)
	}
	if in.Age < 15 || in.Age > 80 {
		return fmt.Errorf("%w: возраст должен быть от 15 до 80 лет", ErrInvalidInput)
	}
	if in.Weight < 30 || in.Weight > 200 {
		return fmt.Errorf("%w: вес должен быть от 30 до 200 кг", ErrInvalidInput)
	}
	if in.Height < 140 || in.Height > 220 {
		return fmt.Errorf("%w: рост должен быть от 140 до 220 см", ErrInvalidInput)
	}
	if _, ok := activityCoefficients[in.Activity]; !ok {
		return fmt.Errorf("%w: активность %q", ErrInvalidInput, in.Activity)
	}
	if _, ok := goalAdjustments[in.Goal]; !ok {
		return fmt.Errorf("%w: цель %q", ErrInvalidInput, in.Goal)
	}
	return nil
}

// BMR — базовый метаболизм в ккал/день.
func BMR(gender string, age int, weight float64, height int) float64 {
	base := 10*weight + 6.25*float64(height) - 5*float64(age)
	if gender == GenderMale {
		return base + 5
	}
	return base - 161
}

// Calculate считает целевую калорийность и раскладку БЖУ:
// белки 2.2 г/кг, жиры 25% калорий, углеводы — остаток.
func Calculate(in Input) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}

	bmr := BMR(in.Gender, in.Age, in.Weight, in.Height)
	maintenance := bmr * activityCoefficients[in.Activity]
	target := maintenance * (1 + goalAdjustments[in.Goal])

	proteins := int(math.Round(in.Weight * 2.2))
	fats := int(math.Round(target * 0.25 / 9))
	carbs := int(math.Round((target - float64(proteins*4) - float64(fats*9)) / 4))

	return Result{
		Calories: int(math.Round(target)),
		Proteins: proteins,
		Fats:     fats,
		Carbs:    carbs,
		BMR:      int(math.Round(bmr)),
	}, nil
}

// ActivityDescription — человекочитаемое описание уровня активности.
func ActivityDescription(activity string) string {
	switch activity {
	case "low":
		return "🛋️ Низкая (офисная работа)"
	case "moderate":
		return "🚶 Умеренная (1-3 тренировки в неделю)"
	case "high":
		return "🏃 Высокая (3-5 тренировок в неделю)"
	case "very_high":
		return "💪 Очень высокая (6-7 тренировок в неделю)"
	}
	return activity
}

// GoalDescription — человекочитаемое описание цели.
func GoalDescription(goal string) string {
	switch goal {
	case "weight_loss":
		return "📉 Похудение"
	case "maintenance":
		return "⚖️ Поддержание веса"
	case "weight_gain":
		return "📈 Набор массы"
	}
	return goal
}
